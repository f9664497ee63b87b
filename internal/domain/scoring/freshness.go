package scoring

import (
	"math"
	"time"
)

// FreshnessMultiplier discounts a snapshot by the age of its oldest
// component using half-life decay, floored at cfg.FreshnessFloor.
//
// The floor is deliberate and strictly positive: with naive exponential
// decay a single slow-moving component (positioning data updates daily)
// would drag an otherwise-live signal to zero, making every other
// component's contribution irrelevant. In-range staleness discounts; it
// never erases. Ages at or past the usability ceiling are not this
// function's problem — the scorer refuses them outright before getting
// here.
func FreshnessMultiplier(age time.Duration, cfg Config) float64 {
	if age <= 0 {
		return 1.0
	}
	halfLife := cfg.FreshnessHalfLife
	decay := math.Exp2(-age.Seconds() / halfLife.Seconds())
	return math.Max(cfg.FreshnessFloor, decay)
}
