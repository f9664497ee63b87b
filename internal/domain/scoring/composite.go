// Package scoring computes the composite conviction score for one symbol
// from its signal snapshot, the current regime, and the adaptive weight
// table.
//
// Score is a pure function: no I/O, no clocks (the caller passes now), so
// identical inputs always yield identical output.
package scoring

import (
	"math"
	"time"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/regime"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/errs"
)

// WeightSource supplies the adaptive multiplier for a (component, regime)
// pair. Implemented by the learner; read-only from the scorer's side.
type WeightSource interface {
	ExpectedMultiplier(component signal.Component, rg regime.Regime) float64
}

// Config holds the tunable scoring parameters. Values come from the
// top-level yaml config, which validates ranges once at load time.
type Config struct {
	// FreshnessFloor is the minimum freshness multiplier, in (0, 1).
	FreshnessFloor float64
	// FreshnessHalfLife controls in-range decay speed.
	FreshnessHalfLife time.Duration
	// UsabilityCeiling is the fail-closed staleness boundary: snapshots
	// whose newest observation is older than this are refused, not scored.
	UsabilityCeiling time.Duration

	// LowMagThreshold and LowMagBoost implement the low-magnitude
	// directional exception: a reading that is small but directionally
	// clean gets a mild boost instead of being discounted as
	// low-conviction.
	LowMagThreshold float64
	LowMagBoost     float64

	// ComponentCap bounds any single component's pre-weight contribution.
	ComponentCap float64

	// ScoreScale maps the summed weighted contributions onto the operator-
	// facing 0-100-ish range.
	ScoreScale float64
}

// DefaultConfig returns the scoring parameters used when the config file
// leaves them unset. The floor and boost constants are starting points, not
// derived truths; the config file is the place to re-tune them.
func DefaultConfig() Config {
	return Config{
		FreshnessFloor:    0.25,
		FreshnessHalfLife: 30 * time.Minute,
		UsabilityCeiling:  2 * time.Hour,
		LowMagThreshold:   0.15,
		LowMagBoost:       1.15,
		ComponentCap:      1.0,
		ScoreScale:        25.0,
	}
}

// ComponentState distinguishes missing intelligence from a neutral reading
// in the breakdown.
type ComponentState string

const (
	ComponentPresent ComponentState = "present"
	ComponentAbsent  ComponentState = "absent"
)

// Contribution is one component's entry in the score breakdown.
type Contribution struct {
	State        ComponentState `json:"state"`
	Raw          float64        `json:"raw"`           // normalized input value
	Transformed  float64        `json:"transformed"`   // after bounded transform + boost
	Weight       float64        `json:"weight"`        // adaptive multiplier applied
	Weighted     float64        `json:"weighted"`      // transformed * weight
	Age          time.Duration  `json:"age"`           // observation age at scoring time
	BoostApplied bool           `json:"boost_applied"` // low-magnitude exception fired
}

// CompositeScore is the scorer's full output for one symbol.
type CompositeScore struct {
	Symbol              string                            `json:"symbol"`
	RawScore            float64                           `json:"raw_score"`
	FreshnessMultiplier float64                           `json:"freshness_multiplier"`
	FinalScore          float64                           `json:"final_score"`
	Components          map[signal.Component]Contribution `json:"components"`
	RegimeUsed          regime.Regime                     `json:"regime_used"`
	ScoredAt            time.Time                         `json:"scored_at"`
}

// Direction returns +1 for net-bullish conviction, -1 for net-bearish,
// 0 for flat.
func (cs *CompositeScore) Direction() int {
	switch {
	case cs.RawScore > 0:
		return 1
	case cs.RawScore < 0:
		return -1
	default:
		return 0
	}
}

// Score computes the composite score for snap at now.
//
// A snapshot whose newest observation is past the usability ceiling gets a
// StaleDataError: past that boundary the honest answer is "no score", not a
// heavily-discounted guess. Components absent from the snapshot contribute
// zero and are recorded as absent, never as zero-valued readings.
func Score(snap signal.Snapshot, det regime.Detection, weights WeightSource, cfg Config, now time.Time) (*CompositeScore, error) {
	newest := snap.Newest()
	if newest.IsZero() {
		return nil, &errs.StaleDataError{Symbol: snap.Symbol, Age: 0, Ceiling: cfg.UsabilityCeiling}
	}
	if age := now.Sub(newest); age >= cfg.UsabilityCeiling {
		return nil, &errs.StaleDataError{Symbol: snap.Symbol, Age: age, Ceiling: cfg.UsabilityCeiling}
	}

	rg := det.Effective()
	breakdown := make(map[signal.Component]Contribution, len(signal.Components()))

	var raw float64
	for _, comp := range signal.Components() {
		obs, ok := snap.Components[comp]
		if !ok {
			breakdown[comp] = Contribution{State: ComponentAbsent}
			continue
		}

		transformed, boosted := transform(obs.Value, cfg)
		weight := weights.ExpectedMultiplier(comp, rg)
		weighted := transformed * weight
		raw += weighted

		breakdown[comp] = Contribution{
			State:        ComponentPresent,
			Raw:          obs.Value,
			Transformed:  transformed,
			Weight:       weight,
			Weighted:     weighted,
			Age:          obs.Age(now),
			BoostApplied: boosted,
		}
	}

	raw *= cfg.ScoreScale

	// Freshness decays with the oldest component so a snapshot that is only
	// half-refreshed scores lower than one refreshed end to end.
	fresh := FreshnessMultiplier(now.Sub(snap.Oldest()), cfg)

	return &CompositeScore{
		Symbol:              snap.Symbol,
		RawScore:            raw,
		FreshnessMultiplier: fresh,
		FinalScore:          raw * fresh,
		Components:          breakdown,
		RegimeUsed:          rg,
		ScoredAt:            now,
	}, nil
}

// transform maps a normalized reading onto a bounded contribution. tanh
// keeps any single component from dominating through sheer magnitude; the
// low-magnitude boost is the documented exception for small-but-clean
// directional readings.
func transform(value float64, cfg Config) (float64, bool) {
	bounded := math.Tanh(value)

	boosted := false
	if abs := math.Abs(value); abs > 0 && abs < cfg.LowMagThreshold {
		bounded *= cfg.LowMagBoost
		boosted = true
	}

	if bounded > cfg.ComponentCap {
		bounded = cfg.ComponentCap
	} else if bounded < -cfg.ComponentCap {
		bounded = -cfg.ComponentCap
	}
	return bounded, boosted
}
