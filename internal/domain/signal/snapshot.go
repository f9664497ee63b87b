// Package signal defines the normalized per-symbol intel types produced by
// upstream providers and consumed by the scorer.
package signal

import "time"

// Component identifies one intel source feeding the composite score.
type Component string

const (
	ComponentFlow        Component = "options_flow"
	ComponentDarkPool    Component = "dark_pool"
	ComponentVolSurface  Component = "vol_surface"
	ComponentPositioning Component = "positioning"
	ComponentShortVol    Component = "short_volume"
)

// Components lists every known component in scoring order.
func Components() []Component {
	return []Component{
		ComponentFlow,
		ComponentDarkPool,
		ComponentVolSurface,
		ComponentPositioning,
		ComponentShortVol,
	}
}

// Observation is one component reading. A component that was never observed
// is represented by its absence from the snapshot map, not by a zero-valued
// Observation: downstream code must be able to tell "no signal" from
// "signal value is zero".
type Observation struct {
	Component  Component `json:"component"`
	Value      float64   `json:"value"`     // normalized to roughly [-1, 1]
	Magnitude  float64   `json:"magnitude"` // raw size proxy (contracts, $ notional)
	ObservedAt time.Time `json:"observed_at"`
}

// Age returns how old the observation is at now.
func (o Observation) Age(now time.Time) time.Duration {
	return now.Sub(o.ObservedAt)
}

// Snapshot is the point-in-time view of every component observed for one
// symbol. Maps are copied on read by the cache, so a Snapshot held by the
// scorer never mutates mid-iteration.
type Snapshot struct {
	Symbol     string                    `json:"symbol"`
	Components map[Component]Observation `json:"components"`
}

// Newest returns the most recent observation time across components, or the
// zero time when nothing was ever observed.
func (s Snapshot) Newest() time.Time {
	var newest time.Time
	for _, obs := range s.Components {
		if obs.ObservedAt.After(newest) {
			newest = obs.ObservedAt
		}
	}
	return newest
}

// Oldest returns the oldest observation time across components, or the zero
// time when nothing was ever observed.
func (s Snapshot) Oldest() time.Time {
	var oldest time.Time
	for _, obs := range s.Components {
		if oldest.IsZero() || obs.ObservedAt.Before(oldest) {
			oldest = obs.ObservedAt
		}
	}
	return oldest
}
