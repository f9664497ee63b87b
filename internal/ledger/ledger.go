// Package ledger holds the bot's local view of open positions.
//
// The ledger is a cache of the truth, not the truth: the execution venue's
// reported positions are authoritative, and the reconciler corrects the
// ledger toward the venue on any confirmed conflict, never the reverse.
// Only the reconciler and the order-submission path write here.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/regime"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/state"
)

// Sentinel values for metadata the venue cannot supply. Explicit sentinels,
// never zeros: a repaired position with EntryScore 0 would read as a
// legitimate low-conviction entry.
const (
	EntryScoreUnknown = -1.0
	EntryPriceUnknown = -1.0
)

// Position is one local ledger entry.
type Position struct {
	Symbol        string        `json:"symbol"`
	Qty           float64       `json:"qty"`
	Side          string        `json:"side"` // "long" or "short"
	EntryPrice    float64       `json:"entry_price"`
	EntryScore    float64       `json:"entry_score"`
	EntryRegime   regime.Regime `json:"entry_regime"`
	OpenedAt      time.Time     `json:"opened_at"`
	CorrelationID string        `json:"correlation_id"`
}

// NewPosition builds a fully-known entry with a fresh correlation id.
func NewPosition(symbol string, qty float64, side string, price, score float64, rg regime.Regime, openedAt time.Time) Position {
	return Position{
		Symbol:        symbol,
		Qty:           qty,
		Side:          side,
		EntryPrice:    price,
		EntryScore:    score,
		EntryRegime:   rg,
		OpenedAt:      openedAt,
		CorrelationID: uuid.NewString(),
	}
}

// Reconstructed builds an entry for a position the venue reported but the
// ledger never knew about (manual intervention, crash mid-write). Metadata
// the venue cannot know sits at explicit unknown sentinels.
func Reconstructed(symbol string, qty float64, side string, observedAt time.Time) Position {
	return Position{
		Symbol:        symbol,
		Qty:           qty,
		Side:          side,
		EntryPrice:    EntryPriceUnknown,
		EntryScore:    EntryScoreUnknown,
		EntryRegime:   regime.Unknown,
		OpenedAt:      observedAt,
		CorrelationID: uuid.NewString(),
	}
}

// HasKnownEntry reports whether entry metadata is real or reconstructed.
func (p Position) HasKnownEntry() bool {
	return p.EntryScore != EntryScoreUnknown
}

type persisted struct {
	Positions []Position           `json:"positions"`
	LastExit  map[string]time.Time `json:"last_exit"`
}

const schemaVersion = 1

// Ledger is the single-writer position store. All mutation funnels through
// the mutex; the reconciler and the order path serialize here.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]Position
	lastExit  map[string]time.Time
	store     *state.Store[persisted]
}

// Open loads the ledger from path, starting empty on a corrupt file.
func Open(path string) *Ledger {
	l := &Ledger{
		positions: make(map[string]Position),
		lastExit:  make(map[string]time.Time),
		store:     state.NewStore[persisted](path, schemaVersion, validate),
	}

	var p persisted
	loaded, err := l.store.LoadOrReset(&p)
	if err != nil {
		log.Error().Err(err).Msg("position ledger reset to empty, reconciliation will rebuild it")
	}
	if loaded {
		for _, pos := range p.Positions {
			l.positions[pos.Symbol] = pos
		}
		if p.LastExit != nil {
			l.lastExit = p.LastExit
		}
	}
	return l
}

func validate(p *persisted) error {
	seen := make(map[string]bool, len(p.Positions))
	for _, pos := range p.Positions {
		if pos.Symbol == "" {
			return fmt.Errorf("position with empty symbol")
		}
		if seen[pos.Symbol] {
			return fmt.Errorf("duplicate position for %s", pos.Symbol)
		}
		seen[pos.Symbol] = true
		if pos.Qty < 0 {
			return fmt.Errorf("negative qty for %s", pos.Symbol)
		}
	}
	return nil
}

// Get returns the position for symbol.
func (l *Ledger) Get(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	return pos, ok
}

// All returns a copy of every open position.
func (l *Ledger) All() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	return out
}

// LastExits returns a copy of the per-symbol last exit times, which feed
// the cooldown gate.
func (l *Ledger) LastExits() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]time.Time, len(l.lastExit))
	for sym, t := range l.lastExit {
		out[sym] = t
	}
	return out
}

// Upsert writes a position and persists.
func (l *Ledger) Upsert(pos Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[pos.Symbol] = pos
	return l.persistLocked()
}

// Close removes a position, records the exit time, and persists.
func (l *Ledger) Close(symbol string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, symbol)
	l.lastExit[symbol] = at
	return l.persistLocked()
}

// Count returns the number of open positions.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

func (l *Ledger) persistLocked() error {
	p := persisted{
		Positions: make([]Position, 0, len(l.positions)),
		LastExit:  l.lastExit,
	}
	for _, pos := range l.positions {
		p.Positions = append(p.Positions, pos)
	}
	if err := l.store.Save(&p); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}
