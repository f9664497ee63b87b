// Package learner maintains the adaptive weight table: a Beta posterior per
// (signal component, market regime) pair, updated from realized trade
// outcomes, projected into a bounded multiplier for the scorer.
//
// This component exists so thresholds are adjusted by evidence instead of
// by hand-editing constants. It also keeps per score-band expectancy
// aggregates for the expectancy gate.
package learner

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/regime"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/state"
)

// Config bounds the learned multipliers. The range is deliberately closed
// on both ends: no learned weight may zero a component out or amplify it
// without bound.
type Config struct {
	MinMultiplier float64 // e.g. 0.25
	MaxMultiplier float64 // e.g. 2.5
	// BandWidth is the score-band size for expectancy aggregation.
	BandWidth float64
	// MinBandSamples is how many outcomes a band needs before its realized
	// expectancy is considered meaningful.
	MinBandSamples int
}

// DefaultConfig returns the multiplier bounds used when unset in config.
func DefaultConfig() Config {
	return Config{
		MinMultiplier:  0.25,
		MaxMultiplier:  2.5,
		BandWidth:      10.0,
		MinBandSamples: 20,
	}
}

// Outcome describes one closed trade for posterior updates.
type Outcome struct {
	Symbol string
	Regime regime.Regime
	Won    bool
	PnL    float64
	// Contributions holds each component's weighted contribution at entry,
	// as recorded in the CompositeScore breakdown.
	Contributions map[signal.Component]float64
	// EntryScore is the final score at entry, used for band expectancy.
	EntryScore float64
}

// bandStats aggregates realized outcomes for one (band, regime) cell.
type bandStats struct {
	Samples int     `json:"samples"`
	Wins    int     `json:"wins"`
	SumPnL  float64 `json:"sum_pnl"`
}

// snapshot is the persisted shape.
type snapshot struct {
	Posteriors map[string]Posterior `json:"posteriors"` // key: component|regime
	Bands      map[string]bandStats `json:"bands"`      // key: band|regime
	// TotalOutcomes counts every recorded close; the bootstrap score floor
	// keys off it.
	TotalOutcomes int `json:"total_outcomes"`
}

// SchemaVersion guards the persisted posterior file.
const SchemaVersion = 1

// Learner owns the posteriors. Mutated only through RecordOutcome; the
// scorer reads through ExpectedMultiplier, which never writes.
type Learner struct {
	mu    sync.RWMutex
	cfg   Config
	snap  snapshot
	store *state.Store[snapshot]
}

// New creates a learner persisted at path. A corrupt or missing file
// starts from priors.
func New(cfg Config, path string) *Learner {
	l := &Learner{
		cfg: cfg,
		snap: snapshot{
			Posteriors: map[string]Posterior{},
			Bands:      map[string]bandStats{},
		},
	}
	l.store = state.NewStore(path, SchemaVersion, validateSnapshot)

	var loaded snapshot
	ok, err := l.store.LoadOrReset(&loaded)
	if err != nil {
		log.Error().Err(err).Msg("posterior state reset to priors")
	}
	if ok {
		if loaded.Posteriors != nil {
			l.snap.Posteriors = loaded.Posteriors
		}
		if loaded.Bands != nil {
			l.snap.Bands = loaded.Bands
		}
		l.snap.TotalOutcomes = loaded.TotalOutcomes
	}
	return l
}

func validateSnapshot(s *snapshot) error {
	for key, p := range s.Posteriors {
		if p.Alpha < PriorAlpha || p.Beta < PriorBeta {
			return fmt.Errorf("posterior %s below prior floor (alpha=%f beta=%f)", key, p.Alpha, p.Beta)
		}
		if math.IsNaN(p.Alpha) || math.IsNaN(p.Beta) {
			return fmt.Errorf("posterior %s is NaN", key)
		}
	}
	for key, b := range s.Bands {
		if b.Samples < 0 || b.Wins < 0 || b.Wins > b.Samples {
			return fmt.Errorf("band %s has impossible counts (%d wins / %d samples)", key, b.Wins, b.Samples)
		}
	}
	if s.TotalOutcomes < 0 {
		return fmt.Errorf("negative total outcomes %d", s.TotalOutcomes)
	}
	return nil
}

func posteriorKey(comp signal.Component, rg regime.Regime) string {
	return string(comp) + "|" + string(rg)
}

// RecordOutcome folds one realized trade into the posteriors for the
// regime the trade was entered under. Each component's update weight is its
// share of the total absolute contribution, so the dominant driver of a
// loss absorbs most of the blame.
//
// Regime isolation is a correctness invariant: only keys under
// outcome.Regime are touched.
func (l *Learner) RecordOutcome(outcome Outcome) {
	rg := regime.Detection{Regime: outcome.Regime}.Effective()

	var totalAbs float64
	for _, contrib := range outcome.Contributions {
		totalAbs += math.Abs(contrib)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// No breakdown (position restored after a restart) still counts for
	// band expectancy and trade totals, just not for component blame.
	for comp, contrib := range outcome.Contributions {
		if totalAbs == 0 {
			break
		}
		share := math.Abs(contrib) / totalAbs
		key := posteriorKey(comp, rg)
		post, ok := l.snap.Posteriors[key]
		if !ok {
			post = NewPosterior()
		}
		l.snap.Posteriors[key] = post.Update(outcome.Won, share)
	}

	band := l.bandKey(outcome.EntryScore, rg)
	stats := l.snap.Bands[band]
	stats.Samples++
	if outcome.Won {
		stats.Wins++
	}
	stats.SumPnL += outcome.PnL
	l.snap.Bands[band] = stats
	l.snap.TotalOutcomes++

	log.Debug().Str("symbol", outcome.Symbol).Str("regime", string(rg)).
		Bool("won", outcome.Won).Float64("pnl", outcome.PnL).
		Msg("recorded trade outcome")
}

// ExpectedMultiplier projects the posterior mean linearly onto
// [MinMultiplier, MaxMultiplier]. Unseen pairs sit at the midpoint (prior
// mean 0.5). The scorer calls this; it never mutates.
func (l *Learner) ExpectedMultiplier(comp signal.Component, rg regime.Regime) float64 {
	rg = regime.Detection{Regime: rg}.Effective()

	l.mu.RLock()
	post, ok := l.snap.Posteriors[posteriorKey(comp, rg)]
	l.mu.RUnlock()
	if !ok {
		post = NewPosterior()
	}

	span := l.cfg.MaxMultiplier - l.cfg.MinMultiplier
	return l.cfg.MinMultiplier + post.Mean()*span
}

// Expectancy returns the realized mean PnL for the score band containing
// score under rg, and whether enough samples exist for the number to mean
// anything.
func (l *Learner) Expectancy(score float64, rg regime.Regime) (mean float64, reliable bool) {
	rg = regime.Detection{Regime: rg}.Effective()

	l.mu.RLock()
	stats := l.snap.Bands[l.bandKey(score, rg)]
	l.mu.RUnlock()

	if stats.Samples < l.cfg.MinBandSamples {
		return 0, false
	}
	return stats.SumPnL / float64(stats.Samples), true
}

// ClosedTrades returns how many outcomes have ever been recorded.
func (l *Learner) ClosedTrades() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snap.TotalOutcomes
}

func (l *Learner) bandKey(score float64, rg regime.Regime) string {
	band := int(math.Floor(score / l.cfg.BandWidth))
	return fmt.Sprintf("%d|%s", band, rg)
}

// Posterior returns a copy of the posterior for inspection (status surface,
// tests).
func (l *Learner) Posterior(comp signal.Component, rg regime.Regime) Posterior {
	l.mu.RLock()
	defer l.mu.RUnlock()
	post, ok := l.snap.Posteriors[posteriorKey(comp, rg)]
	if !ok {
		return NewPosterior()
	}
	return post
}

// Summary lists every tracked posterior with its projected multiplier.
func (l *Learner) Summary() map[string]PosteriorSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]PosteriorSummary, len(l.snap.Posteriors))
	span := l.cfg.MaxMultiplier - l.cfg.MinMultiplier
	for key, post := range l.snap.Posteriors {
		out[key] = PosteriorSummary{
			Alpha:      post.Alpha,
			Beta:       post.Beta,
			Mean:       post.Mean(),
			Multiplier: l.cfg.MinMultiplier + post.Mean()*span,
		}
	}
	return out
}

// PosteriorSummary is the read-only view exposed on the status surface.
type PosteriorSummary struct {
	Alpha      float64 `json:"alpha"`
	Beta       float64 `json:"beta"`
	Mean       float64 `json:"mean"`
	Multiplier float64 `json:"multiplier"`
}

// Persist writes the posteriors atomically.
func (l *Learner) Persist() error {
	l.mu.RLock()
	snap := snapshot{
		Posteriors:    make(map[string]Posterior, len(l.snap.Posteriors)),
		Bands:         make(map[string]bandStats, len(l.snap.Bands)),
		TotalOutcomes: l.snap.TotalOutcomes,
	}
	for k, v := range l.snap.Posteriors {
		snap.Posteriors[k] = v
	}
	for k, v := range l.snap.Bands {
		snap.Bands[k] = v
	}
	l.mu.RUnlock()

	return l.store.Save(&snap)
}
