// Package reconcile keeps the local position ledger honest against the
// execution venue, which is the only source of truth.
//
// A single observed divergence is a suspicion, not a fact: venue APIs
// return transient garbage under load. A symbol must diverge the same way
// on N consecutive passes before the ledger is repaired, and the repair
// always writes venue state over local state, never the reverse.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/errs"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/ledger"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/venue"
)

// SyncState is the per-symbol reconciliation state machine.
type SyncState string

const (
	InSync             SyncState = "in_sync"
	Suspected          SyncState = "suspected"
	ConfirmedDivergent SyncState = "confirmed_divergent"
	Repaired           SyncState = "repaired"
)

// DivergenceKind classifies what disagrees.
type DivergenceKind string

const (
	// DivergenceStale: ledger holds a position the venue says is closed.
	DivergenceStale DivergenceKind = "stale"
	// DivergenceMissing: venue holds a position the ledger never knew.
	DivergenceMissing DivergenceKind = "missing"
	// DivergenceQty: both agree the position exists, quantities differ.
	DivergenceQty DivergenceKind = "mismatched_qty"
)

// Diff is one reconciliation pass's findings.
type Diff struct {
	Stale         []string  `json:"stale,omitempty"`
	Missing       []string  `json:"missing,omitempty"`
	MismatchedQty []string  `json:"mismatched_qty,omitempty"`
	Repaired      []string  `json:"repaired,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Clean reports whether the pass found no divergence.
func (d Diff) Clean() bool {
	return len(d.Stale) == 0 && len(d.Missing) == 0 && len(d.MismatchedQty) == 0
}

// Config holds reconciliation parameters.
type Config struct {
	// Confirmations is how many consecutive passes must observe the same
	// divergence before auto-repair. Minimum 1.
	Confirmations int
	// QtyTolerance absorbs fractional-share rounding.
	QtyTolerance float64
	// CallTimeout bounds each venue call.
	CallTimeout time.Duration
}

// DefaultConfig requires two consecutive confirmations.
func DefaultConfig() Config {
	return Config{
		Confirmations: 2,
		QtyTolerance:  1e-6,
		CallTimeout:   10 * time.Second,
	}
}

type suspicion struct {
	kind     DivergenceKind
	venueQty float64
	count    int
}

// Reconciler runs the diff-confirm-repair loop.
type Reconciler struct {
	mu               sync.Mutex
	cfg              Config
	ledger           *ledger.Ledger
	venue            venue.ExecutionVenue
	suspicions       map[string]*suspicion
	lastResult       *Diff
	lastError        string
	cyclesSinceClean int
}

// New creates a reconciler over the given ledger and venue.
func New(cfg Config, led *ledger.Ledger, ven venue.ExecutionVenue) *Reconciler {
	if cfg.Confirmations < 1 {
		cfg.Confirmations = 1
	}
	return &Reconciler{
		cfg:        cfg,
		ledger:     led,
		venue:      ven,
		suspicions: make(map[string]*suspicion),
	}
}

// Reconcile performs one pass: list venue positions, diff against the
// ledger, advance the per-symbol state machine, repair what is confirmed.
// Errors are returned for the caller to retry next cycle; they never carry
// partial repairs.
func (r *Reconciler) Reconcile(ctx context.Context) (Diff, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	reported, err := r.venue.ListPositions(ctx)
	if err != nil {
		r.mu.Lock()
		r.lastError = err.Error()
		r.cyclesSinceClean++
		r.mu.Unlock()
		return Diff{}, fmt.Errorf("list venue positions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bySymbol := make(map[string]venue.ReportedPosition, len(reported))
	for _, pos := range reported {
		bySymbol[pos.Symbol] = pos
	}

	diff := Diff{CheckedAt: time.Now()}
	local := r.ledger.All()
	localSeen := make(map[string]bool, len(local))

	for _, pos := range local {
		localSeen[pos.Symbol] = true
		venuePos, exists := bySymbol[pos.Symbol]
		switch {
		case !exists:
			diff.Stale = append(diff.Stale, pos.Symbol)
			r.advance(pos.Symbol, DivergenceStale, 0, &diff)
		case math.Abs(venuePos.Qty-pos.Qty) > r.cfg.QtyTolerance:
			diff.MismatchedQty = append(diff.MismatchedQty, pos.Symbol)
			r.advance(pos.Symbol, DivergenceQty, venuePos.Qty, &diff)
		default:
			delete(r.suspicions, pos.Symbol)
		}
	}

	for symbol := range bySymbol {
		if !localSeen[symbol] {
			diff.Missing = append(diff.Missing, symbol)
			r.advance(symbol, DivergenceMissing, bySymbol[symbol].Qty, &diff)
		}
	}

	// Clear suspicions for symbols that stopped diverging entirely.
	for symbol := range r.suspicions {
		if !contains(diff.Stale, symbol) && !contains(diff.Missing, symbol) && !contains(diff.MismatchedQty, symbol) {
			delete(r.suspicions, symbol)
		}
	}

	// Apply repairs for confirmed symbols.
	for _, symbol := range diff.Repaired {
		r.repair(symbol, bySymbol)
	}

	r.lastResult = &diff
	r.lastError = ""
	if diff.Clean() {
		r.cyclesSinceClean = 0
	} else {
		r.cyclesSinceClean++
	}
	return diff, nil
}

// advance moves a symbol through Suspected -> ConfirmedDivergent. A
// divergence that changes kind between passes restarts the count: it is
// not the "same" divergence being confirmed.
func (r *Reconciler) advance(symbol string, kind DivergenceKind, venueQty float64, diff *Diff) {
	s, ok := r.suspicions[symbol]
	if !ok || s.kind != kind {
		r.suspicions[symbol] = &suspicion{kind: kind, venueQty: venueQty, count: 1}
		log.Debug().Str("symbol", symbol).Str("kind", string(kind)).
			Msg("divergence suspected, awaiting confirmation")
		if r.cfg.Confirmations <= 1 {
			diff.Repaired = append(diff.Repaired, symbol)
		}
		return
	}

	s.count++
	s.venueQty = venueQty
	if s.count >= r.cfg.Confirmations {
		diff.Repaired = append(diff.Repaired, symbol)
	}
}

// repair overwrites local state with venue state for one confirmed symbol.
// Local-only metadata survives when the position itself survives; a
// position the ledger never knew gets explicit unknown sentinels.
func (r *Reconciler) repair(symbol string, byVenue map[string]venue.ReportedPosition) {
	s := r.suspicions[symbol]
	before, hadLocal := r.ledger.Get(symbol)
	conflict := &errs.ReconciliationConflict{Symbol: symbol, LocalQty: before.Qty}

	venuePos, onVenue := byVenue[symbol]
	conflict.VenueQty = venuePos.Qty

	switch {
	case !onVenue:
		// Venue says closed: the position is gone, full stop.
		if err := r.ledger.Close(symbol, time.Now()); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("repair close failed")
			return
		}
	case hadLocal:
		// Qty mismatch: venue quantity wins, local metadata survives.
		after := before
		after.Qty = venuePos.Qty
		after.Side = venuePos.Side
		if err := r.ledger.Upsert(after); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("repair upsert failed")
			return
		}
	default:
		// Unknown position: reconstruct with sentinel metadata.
		rebuilt := ledger.Reconstructed(symbol, venuePos.Qty, venuePos.Side, venuePos.ReportedAt)
		if err := r.ledger.Upsert(rebuilt); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("repair reconstruct failed")
			return
		}
	}

	log.Warn().Str("symbol", symbol).
		Str("kind", string(s.kind)).
		Float64("local_qty_before", before.Qty).
		Float64("venue_qty", venuePos.Qty).
		Bool("had_local", hadLocal).
		Str("conflict", conflict.Error()).
		Msg("ledger repaired from venue state")

	delete(r.suspicions, symbol)
}

// Status is the read-only view for the health surface.
type Status struct {
	LastResult       *Diff  `json:"last_result,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	CyclesSinceClean int    `json:"cycles_since_clean"`
	OpenSuspicions   int    `json:"open_suspicions"`
}

// Status snapshots reconciliation health.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		LastResult:       r.lastResult,
		LastError:        r.lastError,
		CyclesSinceClean: r.cyclesSinceClean,
		OpenSuspicions:   len(r.suspicions),
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
