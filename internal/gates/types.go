// Package gates filters scored candidates through an ordered pipeline of
// independent checks. The pipeline short-circuits on first rejection and
// journals every decision, accepted or not, so downstream learning has a
// complete denominator.
package gates

import (
	"time"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/regime"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/scoring"
)

// Side of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Direction returns +1 for long, -1 for short.
func (s Side) Direction() int {
	if s == Short {
		return -1
	}
	return 1
}

// Candidate is one scored symbol up for entry.
type Candidate struct {
	Score       *scoring.CompositeScore
	NotionalUSD float64
	// Theses are independent directional reads (not derived from the
	// composite score), keyed by name, +1/-1. The displacement gate
	// requires at least one agreeing thesis before churning a position.
	Theses map[string]int
}

// Position is the gate pipeline's view of one held position. Built from
// the reconciled ledger, which mirrors the venue: gates never read the
// bot's unreconciled in-memory state, so a reconciliation bug cannot
// compound into a risk-limit bug.
type Position struct {
	Symbol           string
	Side             Side
	NotionalUSD      float64
	EntryScore       float64
	HeldFor          time.Duration
	UnrealizedPnLPct float64
}

// PortfolioState is the point-in-time snapshot every candidate in one
// decision iteration is evaluated against. Taken once at iteration start.
type PortfolioState struct {
	EquityUSD        float64
	Positions        []Position
	LastExit         map[string]time.Time
	EntriesThisCycle int
	// ClosedTrades selects the bootstrap score floor until enough history
	// accumulates.
	ClosedTrades int
	Now          time.Time
	Regime       regime.Regime
}

// AtCapacity reports whether the portfolio holds the configured maximum.
func (p *PortfolioState) AtCapacity(max int) bool {
	return len(p.Positions) >= max
}

// NetExposureUSD is signed: long notional minus short notional.
func (p *PortfolioState) NetExposureUSD() float64 {
	var net float64
	for _, pos := range p.Positions {
		net += float64(pos.Side.Direction()) * pos.NotionalUSD
	}
	return net
}

// Check records one gate's verdict inside a pipeline result.
type Check struct {
	Gate     string `json:"gate"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// Result is the pipeline's full output for one candidate.
type Result struct {
	Symbol     string    `json:"symbol"`
	Accepted   bool      `json:"accepted"`
	RejectedBy string    `json:"rejected_by,omitempty"`
	Reason     string    `json:"reason"`
	Score      float64   `json:"score"`
	Checks     []Check   `json:"checks"`
	Timestamp  time.Time `json:"timestamp"`
	// Displaces names the incumbent to close before entering, set by the
	// displacement gate when entry rides on replacing a weaker position.
	Displaces string `json:"displaces,omitempty"`
}

// Gate is one pipeline stage. Evaluate may annotate res (displacement sets
// res.Displaces) but must not mutate the candidate or portfolio snapshot.
type Gate interface {
	Name() string
	Evaluate(c *Candidate, p *PortfolioState, res *Result) Check
}

// Config holds every gate threshold. All values load from the yaml config
// with a single validation pass; nothing here is a scattered constant.
type Config struct {
	// Score floor. The bootstrap floor applies until ClosedTrades reaches
	// BootstrapTrades, trading exploration against safety early on.
	ScoreFloor          float64
	BootstrapScoreFloor float64
	BootstrapTrades     int

	// Expectancy gate: floor on realized mean PnL for the candidate's
	// score band and regime. The floor is consulted only once the band
	// has enough samples; before that the gate passes ("insufficient
	// history"), which is the learner's bootstrap stage.
	ExpectancyFloor float64

	// Concentration gate ceiling on |net directional exposure| / equity.
	MaxNetExposureFrac float64

	// Displacement gate.
	MaxPositions     int
	MinDwell         time.Duration
	MinScoreDelta    float64
	EmergencyLossPct float64 // incumbent at or past this loss may be displaced regardless of dwell

	// Cooldown / capacity gate.
	CooldownAfterExit  time.Duration
	MaxEntriesPerCycle int
}

// DefaultConfig returns the steady-state gate thresholds.
func DefaultConfig() Config {
	return Config{
		ScoreFloor:          55.0,
		BootstrapScoreFloor: 40.0,
		BootstrapTrades:     25,
		ExpectancyFloor:     0.0,
		MaxNetExposureFrac:  0.70,
		MaxPositions:        8,
		MinDwell:            20 * time.Minute,
		MinScoreDelta:       15.0,
		EmergencyLossPct:    -8.0,
		CooldownAfterExit:   30 * time.Minute,
		MaxEntriesPerCycle:  2,
	}
}
