package quota

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes retry delays for transient provider failures.
type BackoffConfig struct {
	Base       time.Duration // first retry delay
	Multiplier float64       // growth per consecutive failure
	Max        time.Duration // hard cap
	Jitter     float64       // fraction of the delay randomized, [0, 1]
}

// DefaultBackoffConfig returns the standard provider backoff shape.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       2 * time.Second,
		Multiplier: 2.0,
		Max:        5 * time.Minute,
		Jitter:     0.2,
	}
}

// Delay computes the backoff delay for the given consecutive-failure count
// (1-based). Jitter decorrelates retries across endpoints so a provider
// blip does not produce a synchronized thundering herd.
func (c BackoffConfig) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := float64(c.Base) * math.Pow(c.Multiplier, float64(failures-1))
	if d > float64(c.Max) {
		d = float64(c.Max)
	}
	if c.Jitter > 0 {
		spread := d * c.Jitter
		d = d - spread/2 + rand.Float64()*spread
	}
	return time.Duration(d)
}
