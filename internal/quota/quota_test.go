package quota

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/errs"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	m := NewManager(cfg, filepath.Join(dir, "quota.json"), filepath.Join(dir, "deferred.json"))
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestAcquire_GrantsWithinBudget(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	permit, deferred := m.Acquire(Call{Endpoint: "flow", Symbol: "AAPL", Priority: 10})
	assert.Nil(t, deferred)
	assert.Equal(t, "flow", permit.Endpoint)
	assert.Equal(t, 1, m.Status().CallsUsedToday)
}

func TestAcquire_DefersPastDailyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyCap = 3
	cfg.RequestsPerMinute = 6000
	cfg.Burst = 100
	m, _ := newTestManager(t, cfg)

	for i := 0; i < 3; i++ {
		_, deferred := m.Acquire(Call{Endpoint: "flow", Symbol: "AAPL"})
		require.Nil(t, deferred)
	}

	_, deferred := m.Acquire(Call{Endpoint: "flow", Symbol: "AAPL"})
	require.NotNil(t, deferred)
	assert.Equal(t, "daily cap reached", deferred.Reason)
	assert.Equal(t, 3, m.Status().CallsUsedToday, "no permit past the cap")
}

// Property: over randomized call patterns and day rollovers, permits
// granted within any one day never exceed the daily cap.
func TestQuota_NeverExceedsDailyCap_Randomized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyCap = 50
	cfg.RequestsPerMinute = 100000
	cfg.Burst = 100000
	m, now := newTestManager(t, cfg)

	rng := rand.New(rand.NewSource(42))
	grantedPerDay := map[string]int{}

	for i := 0; i < 3000; i++ {
		*now = now.Add(time.Duration(rng.Intn(120)) * time.Second)
		_, deferred := m.Acquire(Call{
			Endpoint: "flow",
			Symbol:   "SYM",
			Priority: rng.Float64(),
		})
		if deferred == nil {
			grantedPerDay[now.UTC().Format("2006-01-02")]++
		}
	}

	require.NotEmpty(t, grantedPerDay)
	for day, granted := range grantedPerDay {
		assert.LessOrEqual(t, granted, cfg.DailyCap, "day %s", day)
	}
}

func TestRateLimitCooldown_BlocksThenReplaysByPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitCooldown = 8 * time.Minute
	cfg.RequestsPerMinute = 6000
	cfg.Burst = 100
	m, now := newTestManager(t, cfg)

	m.ReportRateLimited(&errs.RateLimitedError{Endpoint: "flow"})

	// During the cooldown every acquire defers, in any order.
	_, d1 := m.Acquire(Call{Endpoint: "flow", Symbol: "LOWPRIO", Priority: 1})
	_, d2 := m.Acquire(Call{Endpoint: "flow", Symbol: "HIGHPRIO", Priority: 100})
	_, d3 := m.Acquire(Call{Endpoint: "flow", Symbol: "MIDPRIO", Priority: 50})
	require.NotNil(t, d1)
	require.NotNil(t, d2)
	require.NotNil(t, d3)

	// Nothing replays until the window elapses.
	*now = now.Add(7 * time.Minute)
	assert.Empty(t, m.ReplayReady(10))

	// Past the window: replay strictly by descending priority.
	*now = now.Add(time.Minute + time.Second)
	replayed := m.ReplayReady(10)
	require.Len(t, replayed, 3)
	assert.Equal(t, "HIGHPRIO", replayed[0].Symbol)
	assert.Equal(t, "MIDPRIO", replayed[1].Symbol)
	assert.Equal(t, "LOWPRIO", replayed[2].Symbol)

	// And permits flow again.
	_, deferred := m.Acquire(Call{Endpoint: "flow", Symbol: "HIGHPRIO", Priority: 100})
	assert.Nil(t, deferred)
}

func TestDeferredQueue_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "quota.json")
	queuePath := filepath.Join(dir, "deferred.json")

	m := NewManager(DefaultConfig(), statePath, queuePath)
	fixed := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	m.ReportRateLimited(nil)
	_, deferred := m.Acquire(Call{Endpoint: "flow", Symbol: "AAPL", Priority: 5})
	require.NotNil(t, deferred)

	// Restart: backlog and cooldown both come back from disk.
	m2 := NewManager(DefaultConfig(), statePath, queuePath)
	m2.now = func() time.Time { return fixed }
	assert.Equal(t, 1, m2.Status().QueuedCalls)
	assert.True(t, fixed.Before(m2.Status().RateLimitedUntil))
}

func TestQuotaState_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "quota.json")
	queuePath := filepath.Join(dir, "deferred.json")

	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 6000
	cfg.Burst = 100
	m := NewManager(cfg, statePath, queuePath)
	for i := 0; i < 5; i++ {
		m.Acquire(Call{Endpoint: "flow", Symbol: "AAPL"})
	}

	m2 := NewManager(cfg, statePath, queuePath)
	assert.Equal(t, 5, m2.Status().CallsUsedToday,
		"restart must not reset the daily counter")
}

func TestBackoff_DegradedEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradedAfter = 3
	m, _ := newTestManager(t, cfg)

	for i := 0; i < 3; i++ {
		delay := m.ReportFailure("positioning")
		assert.Greater(t, delay, time.Duration(0))
	}
	assert.True(t, m.Degraded("positioning"))

	// A deferred acquire while backing off.
	_, deferred := m.Acquire(Call{Endpoint: "positioning", Symbol: "AAPL"})
	require.NotNil(t, deferred)
	assert.Equal(t, "endpoint backing off", deferred.Reason)

	m.ReportSuccess("positioning")
	assert.False(t, m.Degraded("positioning"))
}

func TestExecute_BreakerOpensAndShedsLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradedAfter = 3
	m, _ := newTestManager(t, cfg)

	boom := &errs.TransientError{Endpoint: "flow", Err: assert.AnError}
	for i := 0; i < 3; i++ {
		_, err := m.Execute(func() (any, error) { return nil, boom })
		assert.ErrorIs(t, err, errs.ErrTransient)
	}

	// Circuit is open: the next call fails fast without running fn, and
	// every endpoint reads as degraded.
	ran := false
	_, err := m.Execute(func() (any, error) { ran = true; return nil, nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, ran, "open breaker must not invoke fn")
	assert.True(t, m.Degraded("flow"))
	assert.True(t, m.Degraded("positioning"))
}

func TestExecute_RateLimitDoesNotTripBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradedAfter = 2
	m, _ := newTestManager(t, cfg)

	// 429s are handled by cooldown + queueing, never by the breaker.
	for i := 0; i < 10; i++ {
		_, err := m.Execute(func() (any, error) {
			return nil, &errs.RateLimitedError{Endpoint: "flow"}
		})
		assert.ErrorIs(t, err, errs.ErrRateLimited)
	}

	_, err := m.Execute(func() (any, error) { return "ok", nil })
	assert.NoError(t, err)
}

func TestBackoff_DelayGrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{Base: time.Second, Multiplier: 2, Max: 10 * time.Second, Jitter: 0}

	assert.Equal(t, time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 10*time.Second, cfg.Delay(10), "delay caps at Max")
}

func TestMarketHours_Cadence(t *testing.T) {
	h := DefaultMarketHours()

	// Monday 2026-03-02 13:00 ET: in session.
	inSession := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	assert.True(t, h.InSession(inSession))
	assert.Equal(t, time.Minute, h.Cadence(time.Minute, inSession))

	// Monday 03:00 ET: off hours widens 3x.
	offHours := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	assert.False(t, h.InSession(offHours))
	assert.Equal(t, 3*time.Minute, h.Cadence(time.Minute, offHours))

	// Saturday: off hours.
	weekend := time.Date(2026, 3, 7, 18, 0, 0, 0, time.UTC)
	assert.False(t, h.InSession(weekend))
}
