// Package cache holds the last-known signal snapshot per symbol with
// per-component observation times.
//
// The cache degrades, it never drops: a component that failed to refresh
// keeps its last value annotated with age, and the scorer's freshness decay
// discounts it. Refusing data too old to use is the scorer's job, not the
// cache's.
package cache

import (
	"sync"
	"time"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
)

// Staleness classifies a snapshot's age for the status surface.
type Staleness string

const (
	Fresh    Staleness = "fresh"
	Aging    Staleness = "aging"
	Stale    Staleness = "stale"
	Unusable Staleness = "unusable"
	Empty    Staleness = "empty"
)

// Config holds the staleness boundaries.
type Config struct {
	FreshFor time.Duration // newest observation within this: fresh
	AgingFor time.Duration // within this: aging
	// UsableFor is the hard usability ceiling; must match the scorer's.
	UsableFor time.Duration
}

// DefaultConfig mirrors the scorer's two-hour usability ceiling.
func DefaultConfig() Config {
	return Config{
		FreshFor:  10 * time.Minute,
		AgingFor:  45 * time.Minute,
		UsableFor: 2 * time.Hour,
	}
}

// Mirror receives write-through copies of snapshots. Implemented by the
// redis mirror; never read back as a source of truth.
type Mirror interface {
	Publish(snap signal.Snapshot)
}

// SignalCache is the owned, explicit replacement for ad hoc global state:
// initialized at process start, written only through Put, read through
// point-in-time copies.
type SignalCache struct {
	mu      sync.RWMutex
	cfg     Config
	symbols map[string]signal.Snapshot
	mirror  Mirror // optional
}

// New creates an empty cache. mirror may be nil.
func New(cfg Config, mirror Mirror) *SignalCache {
	return &SignalCache{
		cfg:     cfg,
		symbols: make(map[string]signal.Snapshot),
		mirror:  mirror,
	}
}

// Put overwrites one component's observation for symbol.
func (c *SignalCache) Put(symbol string, obs signal.Observation) {
	c.mu.Lock()
	snap, ok := c.symbols[symbol]
	if !ok {
		snap = signal.Snapshot{Symbol: symbol, Components: make(map[signal.Component]signal.Observation)}
	} else {
		snap = copySnapshot(snap)
	}
	snap.Components[obs.Component] = obs
	c.symbols[symbol] = snap
	c.mu.Unlock()

	if c.mirror != nil {
		c.mirror.Publish(snap)
	}
}

// Get returns a copy of the symbol's snapshot. The copy is safe to hold
// across a decision iteration while refreshes land concurrently.
func (c *SignalCache) Get(symbol string) (signal.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.symbols[symbol]
	if !ok {
		return signal.Snapshot{Symbol: symbol}, false
	}
	return copySnapshot(snap), true
}

// SnapshotAll returns point-in-time copies for every tracked symbol. The
// decision loop scores one SnapshotAll result so every candidate in an
// iteration sees the same data.
func (c *SignalCache) SnapshotAll() map[string]signal.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]signal.Snapshot, len(c.symbols))
	for sym, snap := range c.symbols {
		out[sym] = copySnapshot(snap)
	}
	return out
}

// Classify reports the staleness class of a symbol's snapshot at now.
func (c *SignalCache) Classify(symbol string, now time.Time) Staleness {
	snap, ok := c.Get(symbol)
	if !ok || len(snap.Components) == 0 {
		return Empty
	}
	age := now.Sub(snap.Newest())
	switch {
	case age < c.cfg.FreshFor:
		return Fresh
	case age < c.cfg.AgingFor:
		return Aging
	case age < c.cfg.UsableFor:
		return Stale
	default:
		return Unusable
	}
}

// Ages returns per-component ages for symbol at now.
func (c *SignalCache) Ages(symbol string, now time.Time) map[signal.Component]time.Duration {
	snap, _ := c.Get(symbol)
	out := make(map[signal.Component]time.Duration, len(snap.Components))
	for comp, obs := range snap.Components {
		out[comp] = obs.Age(now)
	}
	return out
}

func copySnapshot(snap signal.Snapshot) signal.Snapshot {
	cp := signal.Snapshot{
		Symbol:     snap.Symbol,
		Components: make(map[signal.Component]signal.Observation, len(snap.Components)),
	}
	for comp, obs := range snap.Components {
		cp.Components[comp] = obs
	}
	return cp
}
