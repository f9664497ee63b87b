package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
)

func TestPutGet_KeepsStaleComponents(t *testing.T) {
	c := New(DefaultConfig(), nil)
	now := time.Now()

	c.Put("AAPL", signal.Observation{
		Component: signal.ComponentFlow, Value: 0.5, ObservedAt: now.Add(-90 * time.Minute),
	})
	c.Put("AAPL", signal.Observation{
		Component: signal.ComponentDarkPool, Value: 0.2, ObservedAt: now,
	})

	snap, ok := c.Get("AAPL")
	assert.True(t, ok)
	assert.Len(t, snap.Components, 2, "a component that failed to refresh keeps its last value")

	ages := c.Ages("AAPL", now)
	assert.InDelta(t, (90 * time.Minute).Seconds(), ages[signal.ComponentFlow].Seconds(), 1)
}

func TestGet_ReturnsIsolatedCopy(t *testing.T) {
	c := New(DefaultConfig(), nil)
	now := time.Now()
	c.Put("MSFT", signal.Observation{Component: signal.ComponentFlow, Value: 0.3, ObservedAt: now})

	snap, _ := c.Get("MSFT")
	snap.Components[signal.ComponentFlow] = signal.Observation{Component: signal.ComponentFlow, Value: 99}

	again, _ := c.Get("MSFT")
	assert.Equal(t, 0.3, again.Components[signal.ComponentFlow].Value,
		"mutating a returned snapshot must not leak into the cache")
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, nil)
	now := time.Now()

	assert.Equal(t, Empty, c.Classify("GHOST", now))

	cases := []struct {
		age  time.Duration
		want Staleness
	}{
		{time.Minute, Fresh},
		{20 * time.Minute, Aging},
		{time.Hour, Stale},
		{3 * time.Hour, Unusable},
	}
	for _, tc := range cases {
		c.Put("SPY", signal.Observation{
			Component: signal.ComponentFlow, Value: 0.1, ObservedAt: now.Add(-tc.age),
		})
		assert.Equal(t, tc.want, c.Classify("SPY", now), "age %s", tc.age)
	}
}

type captureMirror struct {
	published []signal.Snapshot
}

func (m *captureMirror) Publish(snap signal.Snapshot) { m.published = append(m.published, snap) }

func TestMirrorWriteThrough(t *testing.T) {
	m := &captureMirror{}
	c := New(DefaultConfig(), m)
	c.Put("QQQ", signal.Observation{Component: signal.ComponentVolSurface, Value: 0.4, ObservedAt: time.Now()})

	assert.Len(t, m.published, 1)
	assert.Equal(t, "QQQ", m.published[0].Symbol)
}

func TestSnapshotAll_PointInTime(t *testing.T) {
	c := New(DefaultConfig(), nil)
	now := time.Now()
	c.Put("A", signal.Observation{Component: signal.ComponentFlow, Value: 1, ObservedAt: now})
	c.Put("B", signal.Observation{Component: signal.ComponentFlow, Value: 2, ObservedAt: now})

	all := c.SnapshotAll()
	c.Put("A", signal.Observation{Component: signal.ComponentFlow, Value: 5, ObservedAt: now})

	assert.Equal(t, 1.0, all["A"].Components[signal.ComponentFlow].Value,
		"an iteration's snapshot is immune to concurrent refreshes")
}
