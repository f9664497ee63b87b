package provider

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/cache"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/errs"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/quota"
)

// fakeProvider scripts per-symbol responses.
type fakeProvider struct {
	mu       sync.Mutex
	endpoint string
	errs     map[string]error
	fetches  []string
}

func (f *fakeProvider) Endpoint() string { return f.endpoint }

func (f *fakeProvider) Classify(symbol string) quota.Call {
	return quota.Call{Endpoint: f.endpoint, Symbol: symbol, Priority: 1}
}

func (f *fakeProvider) Fetch(_ context.Context, symbol string) (signal.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, symbol)
	if err := f.errs[symbol]; err != nil {
		return signal.Observation{}, err
	}
	return signal.Observation{
		Component:  signal.ComponentFlow,
		Value:      0.5,
		Magnitude:  0.7,
		ObservedAt: time.Now(),
	}, nil
}

func (f *fakeProvider) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func newPollerEnv(t *testing.T, prov *fakeProvider, universe ...string) (*Poller, *cache.SignalCache, *quota.Manager) {
	t.Helper()
	dir := t.TempDir()
	q := quota.NewManager(quota.DefaultConfig(),
		filepath.Join(dir, "quota.json"), filepath.Join(dir, "queue.json"))
	c := cache.New(cache.DefaultConfig(), nil)
	return NewPoller([]SignalProvider{prov}, q, c, universe), c, q
}

func TestRefreshAll_PopulatesCache(t *testing.T) {
	prov := &fakeProvider{endpoint: "flow"}
	p, c, _ := newPollerEnv(t, prov, "NVDA", "TSLA")

	p.RefreshAll(context.Background())

	assert.Equal(t, 2, prov.fetchCount())
	snap, ok := c.Get("NVDA")
	require.True(t, ok)
	assert.Contains(t, snap.Components, signal.ComponentFlow)
}

func TestRefreshAll_RateLimitStopsFurtherFetches(t *testing.T) {
	prov := &fakeProvider{
		endpoint: "flow",
		errs: map[string]error{
			"NVDA": &errs.RateLimitedError{Endpoint: "flow", RetryAfter: 5 * time.Minute},
		},
	}
	p, c, q := newPollerEnv(t, prov, "NVDA", "TSLA")

	p.RefreshAll(context.Background())

	// NVDA burned one call on the 429; TSLA's permit was refused during the
	// cooldown and sits on the durable queue instead of hitting the wire.
	assert.Equal(t, 1, prov.fetchCount())
	_, ok := c.Get("TSLA")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, q.Status().QueuedCalls, 1)
}

func TestRefreshAll_DegradedEndpointSkipped(t *testing.T) {
	prov := &fakeProvider{endpoint: "flow"}
	p, _, q := newPollerEnv(t, prov, "NVDA")

	for i := 0; i < quota.DefaultConfig().DegradedAfter; i++ {
		q.ReportFailure("flow")
	}
	require.True(t, q.Degraded("flow"))

	p.RefreshAll(context.Background())
	assert.Zero(t, prov.fetchCount(), "degraded endpoint serves cached data only")
}

func TestRefreshAll_OpenBreakerShedsFetches(t *testing.T) {
	prov := &fakeProvider{endpoint: "flow"}
	p, _, q := newPollerEnv(t, prov, "NVDA")

	var failures int
	p.OnFailure(func(string) { failures++ })

	boom := &errs.TransientError{Endpoint: "flow", Err: assert.AnError}
	for i := 0; i < quota.DefaultConfig().DegradedAfter; i++ {
		_, err := q.Execute(func() (any, error) { return nil, boom })
		require.Error(t, err)
	}

	p.RefreshAll(context.Background())
	assert.Zero(t, prov.fetchCount(), "open circuit sheds all fetches")
	assert.Zero(t, failures, "shed fetches are not provider failures")
}

func TestRefreshAll_TransientFailureBacksOff(t *testing.T) {
	prov := &fakeProvider{
		endpoint: "flow",
		errs:     map[string]error{"NVDA": &errs.TransientError{Endpoint: "flow", Err: assert.AnError}},
	}
	p, _, q := newPollerEnv(t, prov, "NVDA")

	p.RefreshAll(context.Background())
	assert.Equal(t, 1, prov.fetchCount())

	// The endpoint now backs off: the immediate retry defers instead of
	// fetching.
	p.RefreshAll(context.Background())
	assert.Equal(t, 1, prov.fetchCount())
	assert.GreaterOrEqual(t, q.Status().QueuedCalls, 1)
}
