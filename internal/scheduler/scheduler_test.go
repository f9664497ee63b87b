package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/cache"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/provider"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/quota"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	q := quota.NewManager(quota.DefaultConfig(),
		filepath.Join(dir, "quota.json"), filepath.Join(dir, "queue.json"))
	poller := provider.NewPoller(nil, q, cache.New(cache.DefaultConfig(), nil), nil)
	return New(DefaultConfig(), nil, poller, nil, nil, quota.DefaultMarketHours())
}

func TestAdd_RejectsNonPositiveInterval(t *testing.T) {
	s := newTestScheduler(t)
	assert.Error(t, s.add(0, func() {}))
	assert.Error(t, s.add(-time.Minute, func() {}))
	assert.NoError(t, s.add(time.Minute, func() {}))
}

func TestRunRefresh_WidensCadenceOffHours(t *testing.T) {
	s := newTestScheduler(t)

	// Monday 08:00 UTC is before the US session opens.
	offHours := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := offHours
	s.now = func() time.Time { return clock }

	s.runRefresh(context.Background())
	first := s.lastRefresh
	require.False(t, first.IsZero(), "first tick always refreshes")

	// One base interval later: in session this would refresh, off-hours the
	// 3x cadence has not elapsed yet.
	clock = offHours.Add(s.cfg.RefreshInterval)
	s.runRefresh(context.Background())
	assert.Equal(t, first, s.lastRefresh, "off-hours tick inside widened cadence must skip")

	clock = offHours.Add(3 * s.cfg.RefreshInterval)
	s.runRefresh(context.Background())
	assert.Equal(t, clock, s.lastRefresh, "refresh resumes once widened cadence elapses")
}

func TestRunRefresh_InSessionUsesBaseCadence(t *testing.T) {
	s := newTestScheduler(t)

	// Monday 15:00 UTC is mid-session in New York.
	inSession := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	clock := inSession
	s.now = func() time.Time { return clock }

	s.runRefresh(context.Background())
	clock = inSession.Add(s.cfg.RefreshInterval)
	s.runRefresh(context.Background())
	assert.Equal(t, clock, s.lastRefresh, "in-session tick at base cadence refreshes")
}
