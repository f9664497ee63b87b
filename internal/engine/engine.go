// Package engine runs the decision loop: score the universe from one cache
// snapshot, gate candidates in conviction order, and hand accepted entries
// to the venue. The loop fails open to no-action only: a broken candidate
// is logged and skipped, never approved past gates it did not clear.
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/cache"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/regime"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/scoring"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/gates"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/ledger"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/learner"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/venue"
)

// RegimeSource supplies the current market regime classification.
type RegimeSource interface {
	Detect() regime.Detection
}

// RegimeFunc adapts a function to RegimeSource.
type RegimeFunc func() regime.Detection

func (f RegimeFunc) Detect() regime.Detection { return f() }

// Quoter returns a current mark price for a symbol.
type Quoter interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// ClosedTrade is the record handed to the trade audit sink on every close,
// including sentinel-entry closes the learner skips.
type ClosedTrade struct {
	Symbol        string
	Regime        regime.Regime
	Won           bool
	PnLPct        float64
	EntryScore    float64
	HeldFor       time.Duration
	CorrelationID string
	ClosedAt      time.Time
}

// TradeAudit receives closed trades. Implementations are best-effort and
// must never block or veto a close.
type TradeAudit interface {
	RecordClose(tr ClosedTrade)
}

// Config tunes one decision iteration.
type Config struct {
	// Universe is the symbol set scored each iteration.
	Universe []string
	// EntryNotionalFrac sizes each new entry as a fraction of equity.
	EntryNotionalFrac float64
	// StopLossPct closes any position at or past this unrealized loss.
	StopLossPct float64
	// FlipScore closes a position when the live composite score moves this
	// far against it.
	FlipScore float64
	// SoftDeadline bounds one iteration. Overruns are logged and the
	// iteration finishes anyway; the next tick absorbs the drift.
	SoftDeadline time.Duration
	// CallTimeout bounds each venue call.
	CallTimeout time.Duration
}

// DefaultConfig returns conservative loop settings.
func DefaultConfig() Config {
	return Config{
		EntryNotionalFrac: 0.05,
		StopLossPct:       -8.0,
		FlipScore:         -40.0,
		SoftDeadline:      30 * time.Second,
		CallTimeout:       10 * time.Second,
	}
}

// Engine composes the scoring, gating, and execution collaborators into
// the decision loop.
type Engine struct {
	cfg     Config
	scoring scoring.Config
	cache   *cache.SignalCache
	ledger  *ledger.Ledger
	venue   venue.ExecutionVenue
	quoter  Quoter
	learner *learner.Learner
	gates   *gates.Pipeline
	regimes RegimeSource
	audit   TradeAudit // optional
	now     func() time.Time

	// entryBreakdowns remembers each open position's score breakdown so a
	// close can assign proportional blame. Lost on restart; closes of
	// restored positions still feed band expectancy via EntryScore.
	mu              sync.Mutex
	entryBreakdowns map[string]map[signal.Component]float64
	iterations      int
}

// New wires an engine. The quoter may be the venue itself when it serves
// marks (the paper venue does).
func New(cfg Config, scoringCfg scoring.Config, c *cache.SignalCache, led *ledger.Ledger,
	ven venue.ExecutionVenue, quoter Quoter, lrn *learner.Learner, pipeline *gates.Pipeline,
	regimes RegimeSource) *Engine {
	return &Engine{
		cfg:             cfg,
		scoring:         scoringCfg,
		cache:           c,
		ledger:          led,
		venue:           ven,
		quoter:          quoter,
		learner:         lrn,
		gates:           pipeline,
		regimes:         regimes,
		now:             time.Now,
		entryBreakdowns: make(map[string]map[signal.Component]float64),
	}
}

// SetTradeAudit attaches an optional closed-trade sink. Call before the
// first iteration.
func (e *Engine) SetTradeAudit(a TradeAudit) {
	e.audit = a
}

// scored pairs a symbol with its composite score for ranking.
type scored struct {
	symbol string
	score  *scoring.CompositeScore
}

// RunOnce executes one full decision iteration.
func (e *Engine) RunOnce(ctx context.Context) {
	start := e.now()
	e.mu.Lock()
	e.iterations++
	iter := e.iterations
	e.mu.Unlock()

	det := e.regimes.Detect()
	scores := e.scoreUniverse(det, start)

	portfolio, err := e.portfolioSnapshot(ctx, start, det)
	if err != nil {
		log.Error().Err(err).Int("iteration", iter).
			Msg("portfolio snapshot unavailable, skipping iteration")
		return
	}

	e.manageExits(ctx, portfolio, scores)
	e.admitEntries(ctx, portfolio, scores)

	if elapsed := e.now().Sub(start); elapsed > e.cfg.SoftDeadline {
		log.Warn().Dur("elapsed", elapsed).Dur("deadline", e.cfg.SoftDeadline).
			Int("iteration", iter).Msg("decision iteration overran soft deadline")
	}
}

// scoreUniverse scores every universe symbol from a single point-in-time
// cache snapshot. Unscorable symbols (stale, empty) drop out quietly.
func (e *Engine) scoreUniverse(det regime.Detection, now time.Time) map[string]*scoring.CompositeScore {
	snaps := e.cache.SnapshotAll()
	out := make(map[string]*scoring.CompositeScore, len(e.cfg.Universe))
	for _, symbol := range e.cfg.Universe {
		snap, ok := snaps[symbol]
		if !ok {
			continue
		}
		cs, err := scoring.Score(snap, det, e.learner, e.scoring, now)
		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("symbol not scorable this iteration")
			continue
		}
		out[symbol] = cs
	}
	return out
}

// portfolioSnapshot builds the point-in-time gate view: equity from the
// venue, positions from the reconciled ledger marked at current prices.
func (e *Engine) portfolioSnapshot(ctx context.Context, now time.Time, det regime.Detection) (*gates.PortfolioState, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	equity, err := e.venue.AccountEquity(callCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("account equity: %w", err)
	}

	open := e.ledger.All()
	positions := make([]gates.Position, 0, len(open))
	for _, pos := range open {
		price, err := e.markPrice(ctx, pos.Symbol)
		if err != nil {
			// An unmarkable position still counts toward capacity; value it
			// at entry so exposure is not silently understated.
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("no mark price, valuing at entry")
			price = pos.EntryPrice
		}
		positions = append(positions, gates.Position{
			Symbol:           pos.Symbol,
			Side:             gates.Side(pos.Side),
			NotionalUSD:      pos.Qty * math.Abs(price),
			EntryScore:       pos.EntryScore,
			HeldFor:          now.Sub(pos.OpenedAt),
			UnrealizedPnLPct: unrealizedPct(pos, price),
		})
	}

	return &gates.PortfolioState{
		EquityUSD:    equity,
		Positions:    positions,
		LastExit:     e.ledger.LastExits(),
		ClosedTrades: e.learner.ClosedTrades(),
		Now:          now,
		Regime:       det.Effective(),
	}, nil
}

func (e *Engine) markPrice(ctx context.Context, symbol string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.quoter.Price(callCtx, symbol)
}

// unrealizedPct is signed from the position's perspective. Reconstructed
// positions carry the entry-price sentinel and report zero until closed.
func unrealizedPct(pos ledger.Position, price float64) float64 {
	if pos.EntryPrice == ledger.EntryPriceUnknown || pos.EntryPrice == 0 {
		return 0
	}
	move := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Side == "short" {
		move = -move
	}
	return move
}

// manageExits closes positions in emergency-stop territory or whose live
// score has flipped hard against them.
func (e *Engine) manageExits(ctx context.Context, portfolio *gates.PortfolioState, scores map[string]*scoring.CompositeScore) {
	for _, pos := range portfolio.Positions {
		reason := ""
		switch {
		case pos.UnrealizedPnLPct <= e.cfg.StopLossPct:
			reason = fmt.Sprintf("stop loss: %.1f%% <= %.1f%%", pos.UnrealizedPnLPct, e.cfg.StopLossPct)
		case scoreAgainst(pos, scores) <= e.cfg.FlipScore:
			reason = fmt.Sprintf("conviction flipped: directional score %.1f", scoreAgainst(pos, scores))
		}
		if reason == "" {
			continue
		}
		if err := e.closePosition(ctx, pos.Symbol, reason); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("exit close failed, retrying next iteration")
		}
	}
}

// scoreAgainst returns the live final score oriented to the position's
// side: negative means the market read opposes the position.
func scoreAgainst(pos gates.Position, scores map[string]*scoring.CompositeScore) float64 {
	cs, ok := scores[pos.Symbol]
	if !ok {
		return 0
	}
	return cs.FinalScore * float64(pos.Side.Direction())
}

// admitEntries walks candidates in descending conviction and submits the
// ones the gate pipeline accepts. Each candidate is isolated: a panic or
// error affects only that candidate.
func (e *Engine) admitEntries(ctx context.Context, portfolio *gates.PortfolioState, scores map[string]*scoring.CompositeScore) {
	held := make(map[string]bool, len(portfolio.Positions))
	for _, pos := range portfolio.Positions {
		held[pos.Symbol] = true
	}

	ranked := make([]scored, 0, len(scores))
	for symbol, cs := range scores {
		if held[symbol] {
			continue
		}
		ranked = append(ranked, scored{symbol: symbol, score: cs})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return math.Abs(ranked[i].score.FinalScore) > math.Abs(ranked[j].score.FinalScore)
	})

	for _, cand := range ranked {
		e.tryCandidate(ctx, cand, portfolio)
	}
}

// tryCandidate evaluates and, on acceptance, executes one entry. Recovers
// panics so one poisoned candidate cannot take down the iteration.
func (e *Engine) tryCandidate(ctx context.Context, cand scored, portfolio *gates.PortfolioState) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("symbol", cand.symbol).
				Msg("candidate evaluation panicked, skipped")
		}
	}()

	c := &gates.Candidate{
		Score:       cand.score,
		NotionalUSD: portfolio.EquityUSD * e.cfg.EntryNotionalFrac,
		Theses:      e.theses(cand.score),
	}
	res := e.gates.Evaluate(c, portfolio)
	if !res.Accepted {
		return
	}

	if res.Displaces != "" {
		if err := e.closePosition(ctx, res.Displaces, "displaced by "+cand.symbol); err != nil {
			log.Error().Err(err).Str("incumbent", res.Displaces).Str("candidate", cand.symbol).
				Msg("displacement close failed, entry abandoned")
			return
		}
	}

	if err := e.enter(ctx, cand, c.NotionalUSD, portfolio.Regime); err != nil {
		log.Error().Err(err).Str("symbol", cand.symbol).Msg("entry failed")
		return
	}
	portfolio.EntriesThisCycle++
}

// theses derives independent directional reads from the component
// breakdown: each present component whose transformed value agrees in sign
// counts as one thesis.
func (e *Engine) theses(cs *scoring.CompositeScore) map[string]int {
	out := make(map[string]int, len(cs.Components))
	for comp, contrib := range cs.Components {
		if contrib.State != scoring.ComponentPresent {
			continue
		}
		switch {
		case contrib.Transformed > 0:
			out[string(comp)] = 1
		case contrib.Transformed < 0:
			out[string(comp)] = -1
		}
	}
	return out
}

// enter submits the order and records the position locally. Any
// non-rejected result is treated as "may eventually exist"; reconciliation
// confirms or repairs it.
func (e *Engine) enter(ctx context.Context, cand scored, notional float64, rg regime.Regime) error {
	price, err := e.markPrice(ctx, cand.symbol)
	if err != nil {
		return fmt.Errorf("no mark price for entry: %w", err)
	}
	if price <= 0 {
		return fmt.Errorf("non-positive mark price %.4f", price)
	}

	side := "long"
	if cand.score.Direction() < 0 {
		side = "short"
	}
	pos := ledger.NewPosition(cand.symbol, notional/price, side, price, cand.score.FinalScore, rg, e.now())

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	result, err := e.venue.SubmitOrder(callCtx, venue.Order{
		Symbol:        cand.symbol,
		Qty:           pos.Qty,
		Side:          side,
		CorrelationID: pos.CorrelationID,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if result.Status == venue.Rejected {
		return fmt.Errorf("venue rejected order")
	}

	if result.Status == venue.Filled || result.Status == venue.PartiallyFilled {
		pos.Qty = result.FilledQty
		if result.AvgPrice > 0 {
			pos.EntryPrice = result.AvgPrice
		}
	}
	if err := e.ledger.Upsert(pos); err != nil {
		log.Error().Err(err).Str("symbol", cand.symbol).Msg("ledger write failed after submit")
	}

	weighted := make(map[signal.Component]float64, len(cand.score.Components))
	for comp, contrib := range cand.score.Components {
		weighted[comp] = contrib.Weighted
	}
	e.mu.Lock()
	e.entryBreakdowns[cand.symbol] = weighted
	e.mu.Unlock()

	log.Info().Str("symbol", cand.symbol).Str("side", side).
		Float64("qty", pos.Qty).Float64("score", cand.score.FinalScore).
		Str("correlation_id", pos.CorrelationID).Msg("position opened")
	return nil
}

// closePosition closes at the venue, updates the ledger, and feeds the
// realized outcome back to the learner.
func (e *Engine) closePosition(ctx context.Context, symbol, reason string) error {
	pos, ok := e.ledger.Get(symbol)
	if !ok {
		return fmt.Errorf("no ledger entry for %s", symbol)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	result, err := e.venue.ClosePosition(callCtx, symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("venue close: %w", err)
	}
	if result.Status == venue.Rejected {
		return fmt.Errorf("venue rejected close")
	}

	now := e.now()
	if err := e.ledger.Close(symbol, now); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("ledger close write failed")
	}

	pnl := realizedPct(pos, result.AvgPrice)
	e.mu.Lock()
	breakdown := e.entryBreakdowns[symbol]
	delete(e.entryBreakdowns, symbol)
	e.mu.Unlock()

	if pos.HasKnownEntry() {
		e.learner.RecordOutcome(learner.Outcome{
			Symbol:        symbol,
			Regime:        pos.EntryRegime,
			Won:           pnl > 0,
			PnL:           pnl,
			Contributions: breakdown,
			EntryScore:    pos.EntryScore,
		})
	}

	if e.audit != nil {
		e.audit.RecordClose(ClosedTrade{
			Symbol:        symbol,
			Regime:        pos.EntryRegime,
			Won:           pnl > 0,
			PnLPct:        pnl,
			EntryScore:    pos.EntryScore,
			HeldFor:       now.Sub(pos.OpenedAt),
			CorrelationID: pos.CorrelationID,
			ClosedAt:      now,
		})
	}

	log.Info().Str("symbol", symbol).Str("reason", reason).
		Float64("pnl_pct", pnl).Dur("held", now.Sub(pos.OpenedAt)).
		Str("correlation_id", pos.CorrelationID).Msg("position closed")
	return nil
}

// realizedPct computes the closed trade's return. Unknown entry prices
// produce zero; such trades also skip learner feedback upstream.
func realizedPct(pos ledger.Position, exitPrice float64) float64 {
	if pos.EntryPrice == ledger.EntryPriceUnknown || pos.EntryPrice == 0 || exitPrice <= 0 {
		return 0
	}
	move := (exitPrice - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Side == "short" {
		move = -move
	}
	return move
}
