// Package regime defines the coarse market-condition classification that
// conditions scoring weights.
package regime

import "strings"

// Regime is a coarse market-condition class.
type Regime string

const (
	Bullish Regime = "BULLISH"
	Bearish Regime = "BEARISH"
	Neutral Regime = "NEUTRAL"
	Unknown Regime = "UNKNOWN"
)

// Known lists the regimes that own weight posteriors. Unknown is excluded:
// it resolves to Neutral before touching the learner, so posteriors never
// fragment across an "unknown" bucket.
func Known() []Regime {
	return []Regime{Bullish, Bearish, Neutral}
}

// Normalize maps classifier output onto the canonical enum. Synonyms are
// folded here, at the boundary, so the weight learner never sees "mixed"
// and "neutral" as distinct regimes.
func Normalize(raw string) Regime {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BULLISH", "BULL", "RISK_ON", "TRENDING_UP":
		return Bullish
	case "BEARISH", "BEAR", "RISK_OFF", "TRENDING_DOWN":
		return Bearish
	case "NEUTRAL", "MIXED", "CHOPPY", "SIDEWAYS", "RANGE":
		return Neutral
	default:
		return Unknown
	}
}

// Detection is the classifier's output: a regime plus its confidence.
type Detection struct {
	Regime     Regime  `json:"regime"`
	Confidence float64 `json:"confidence"` // [0, 1]
}

// Effective resolves Unknown to Neutral. Scoring and learning always go
// through this so an unclassifiable market falls back to the neutral
// posterior instead of failing.
func (d Detection) Effective() Regime {
	if d.Regime == Unknown || d.Regime == "" {
		return Neutral
	}
	return d.Regime
}
