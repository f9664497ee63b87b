package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/regime"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/errs"
)

// flatWeights returns 1.0 for every (component, regime) pair.
type flatWeights struct{}

func (flatWeights) ExpectedMultiplier(signal.Component, regime.Regime) float64 { return 1.0 }

// recordingWeights remembers which regimes were asked for.
type recordingWeights struct {
	regimes []regime.Regime
}

func (r *recordingWeights) ExpectedMultiplier(_ signal.Component, rg regime.Regime) float64 {
	r.regimes = append(r.regimes, rg)
	return 1.0
}

func snapshotAt(t time.Time, values map[signal.Component]float64) signal.Snapshot {
	snap := signal.Snapshot{Symbol: "SPY", Components: map[signal.Component]signal.Observation{}}
	for comp, v := range values {
		snap.Components[comp] = signal.Observation{Component: comp, Value: v, ObservedAt: t}
	}
	return snap
}

func TestScore_Idempotent(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	snap := snapshotAt(now.Add(-10*time.Minute), map[signal.Component]float64{
		signal.ComponentFlow:     0.8,
		signal.ComponentDarkPool: 0.4,
	})
	det := regime.Detection{Regime: regime.Bullish, Confidence: 0.9}

	first, err := Score(snap, det, flatWeights{}, DefaultConfig(), now)
	require.NoError(t, err)
	second, err := Score(snap, det, flatWeights{}, DefaultConfig(), now)
	require.NoError(t, err)

	assert.Equal(t, first, second, "pure function: identical inputs must yield identical scores")
}

func TestScore_RefusesPastUsabilityCeiling(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()
	snap := snapshotAt(now.Add(-cfg.UsabilityCeiling), map[signal.Component]float64{
		signal.ComponentFlow: 0.9,
	})

	_, err := Score(snap, regime.Detection{Regime: regime.Neutral}, flatWeights{}, cfg, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrStaleData)

	var stale *errs.StaleDataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "SPY", stale.Symbol)
}

func TestScore_RefusesEmptySnapshot(t *testing.T) {
	snap := signal.Snapshot{Symbol: "SPY", Components: map[signal.Component]signal.Observation{}}
	_, err := Score(snap, regime.Detection{Regime: regime.Neutral}, flatWeights{}, DefaultConfig(), time.Now())
	assert.ErrorIs(t, err, errs.ErrStaleData)
}

func TestScore_FreshnessFloorHolds(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	// Sweep ages up to just under the ceiling: final never drops below
	// raw * floor, and the multiplier stays in [floor, 1].
	for _, age := range []time.Duration{0, time.Minute, 30 * time.Minute, time.Hour, cfg.UsabilityCeiling - time.Second} {
		snap := snapshotAt(now.Add(-age), map[signal.Component]float64{
			signal.ComponentFlow: 0.7,
		})
		score, err := Score(snap, regime.Detection{Regime: regime.Bullish}, flatWeights{}, cfg, now)
		require.NoError(t, err, "age %s", age)

		assert.GreaterOrEqual(t, score.FreshnessMultiplier, cfg.FreshnessFloor, "age %s", age)
		assert.LessOrEqual(t, score.FreshnessMultiplier, 1.0, "age %s", age)
		assert.InDelta(t, score.RawScore*score.FreshnessMultiplier, score.FinalScore, 1e-12)
	}
}

func TestScore_FreshnessDecayMonotone(t *testing.T) {
	cfg := DefaultConfig()
	prev := 2.0
	for _, age := range []time.Duration{0, 10 * time.Minute, 30 * time.Minute, time.Hour, 90 * time.Minute} {
		m := FreshnessMultiplier(age, cfg)
		assert.LessOrEqual(t, m, prev, "multiplier must not increase with age")
		prev = m
	}
}

func TestScore_AbsentComponentIsAbsentNotZero(t *testing.T) {
	now := time.Now()
	snap := snapshotAt(now, map[signal.Component]float64{
		signal.ComponentFlow:     0.6,
		signal.ComponentDarkPool: 0.0, // genuinely observed zero
	})

	score, err := Score(snap, regime.Detection{Regime: regime.Neutral}, flatWeights{}, DefaultConfig(), now)
	require.NoError(t, err)

	assert.Equal(t, ComponentPresent, score.Components[signal.ComponentDarkPool].State,
		"an observed zero reading is present")
	assert.Equal(t, ComponentAbsent, score.Components[signal.ComponentVolSurface].State,
		"a never-observed component is absent, not zero-valued")
	assert.Zero(t, score.Components[signal.ComponentVolSurface].Weighted)
}

// The low-magnitude boost is a deliberate, empirically-motivated exception:
// small but directionally clean readings are mildly amplified instead of
// being treated as low-conviction.
func TestScore_LowMagnitudeBoost(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	small := snapshotAt(now, map[signal.Component]float64{signal.ComponentFlow: 0.10})
	score, err := Score(small, regime.Detection{Regime: regime.Bullish}, flatWeights{}, cfg, now)
	require.NoError(t, err)

	contrib := score.Components[signal.ComponentFlow]
	assert.True(t, contrib.BoostApplied)
	assert.Greater(t, contrib.Transformed, contrib.Raw*0.9,
		"boosted transform should not shrink a small clean reading")

	big := snapshotAt(now, map[signal.Component]float64{signal.ComponentFlow: 0.8})
	bigScore, err := Score(big, regime.Detection{Regime: regime.Bullish}, flatWeights{}, cfg, now)
	require.NoError(t, err)
	assert.False(t, bigScore.Components[signal.ComponentFlow].BoostApplied)
}

func TestScore_UnknownRegimeFallsBackToNeutral(t *testing.T) {
	now := time.Now()
	snap := snapshotAt(now, map[signal.Component]float64{signal.ComponentFlow: 0.5})

	rec := &recordingWeights{}
	score, err := Score(snap, regime.Detection{Regime: regime.Unknown}, rec, DefaultConfig(), now)
	require.NoError(t, err)

	assert.Equal(t, regime.Neutral, score.RegimeUsed)
	for _, rg := range rec.regimes {
		assert.Equal(t, regime.Neutral, rg, "weight lookups must use the neutral posterior")
	}
}

func TestScore_ContributionsBounded(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()
	snap := snapshotAt(now, map[signal.Component]float64{
		signal.ComponentFlow: 50.0, // absurd input magnitude
	})

	score, err := Score(snap, regime.Detection{Regime: regime.Bullish}, flatWeights{}, cfg, now)
	require.NoError(t, err)
	assert.LessOrEqual(t, score.Components[signal.ComponentFlow].Transformed, cfg.ComponentCap)
}

func TestRegimeNormalization(t *testing.T) {
	assert.Equal(t, regime.Neutral, regime.Normalize("mixed"))
	assert.Equal(t, regime.Neutral, regime.Normalize("Choppy"))
	assert.Equal(t, regime.Bullish, regime.Normalize(" BULL "))
	assert.Equal(t, regime.Bearish, regime.Normalize("risk_off"))
	assert.Equal(t, regime.Unknown, regime.Normalize("sideways-ish"))
}
