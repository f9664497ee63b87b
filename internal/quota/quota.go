// Package quota guards the upstream provider's call budget: a token bucket
// for the per-minute window, a persisted daily counter, rate-limit
// cooldowns with a durable deferred queue, and backoff tracking for flaky
// endpoints.
//
// Acquire never blocks: a caller either gets a permit now or a Deferred
// receipt meaning the call was queued for replay. Under scarce capacity the
// queue replays by descending priority, so exhaustion degrades on the least
// important symbols first.
package quota

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/errs"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/state"
)

// Config holds the provider budget parameters.
type Config struct {
	RequestsPerMinute float64
	Burst             int
	DailyCap          int
	// Cooldown applied after a 429 when the provider gave no reset hint.
	RateLimitCooldown time.Duration
	// DegradedAfter is the consecutive-failure count that marks an
	// endpoint degraded (callers should fall back to cached data).
	DegradedAfter int
	Backoff       BackoffConfig
}

// DefaultConfig returns free-tier-shaped defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 30,
		Burst:             5,
		DailyCap:          2000,
		RateLimitCooldown: 8 * time.Minute,
		DegradedAfter:     5,
		Backoff:           DefaultBackoffConfig(),
	}
}

// Call classifies one provider request for permit arbitration.
type Call struct {
	Endpoint string
	Symbol   string
	// Priority ranks the call's importance (higher first), e.g. trading
	// volume x open interest for the symbol.
	Priority float64
}

// Permit allows one provider call now.
type Permit struct {
	Endpoint  string
	GrantedAt time.Time
}

// Deferred is the receipt for a queued call.
type Deferred struct {
	Call   DeferredCall
	Reason string
}

// persistedState is the durable slice of QuotaState. Persisting it means a
// restart cannot forget how much of the daily cap was already spent.
type persistedState struct {
	CallsUsedToday   int       `json:"calls_used_today"`
	Day              string    `json:"day"` // YYYY-MM-DD boundary for the daily counter
	RateLimitedUntil time.Time `json:"rate_limited_until"`
}

const stateSchemaVersion = 1

type endpointHealth struct {
	consecutiveFailures int
	retryAt             time.Time
}

// Manager owns the provider budget.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	bucket  *rate.Limiter
	st      persistedState
	store   *state.Store[persistedState]
	queue   *DeferredQueue
	health  map[string]*endpointHealth
	breaker *gobreaker.CircuitBreaker

	// now is injected for tests.
	now func() time.Time
}

// NewManager loads persisted quota state from statePath and the deferred
// backlog from queuePath.
func NewManager(cfg Config, statePath, queuePath string) *Manager {
	m := &Manager{
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), cfg.Burst),
		store:  state.NewStore[persistedState](statePath, stateSchemaVersion, validateState),
		queue:  NewDeferredQueue(queuePath),
		health: make(map[string]*endpointHealth),
		now:    time.Now,
	}

	st := gobreaker.Settings{Name: "provider"}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return int(counts.ConsecutiveFailures) >= cfg.DegradedAfter
	}
	st.Timeout = cfg.RateLimitCooldown
	// 429s are the cooldown's problem, not the breaker's.
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, errs.ErrRateLimited)
	}
	m.breaker = gobreaker.NewCircuitBreaker(st)

	var persisted persistedState
	loaded, err := m.store.LoadOrReset(&persisted)
	if err != nil {
		log.Error().Err(err).Msg("quota state reset to empty")
	}
	if loaded {
		m.st = persisted
		log.Info().Int("calls_used_today", m.st.CallsUsedToday).
			Time("rate_limited_until", m.st.RateLimitedUntil).
			Msg("restored quota state")
	}
	return m
}

func validateState(s *persistedState) error {
	if s.CallsUsedToday < 0 {
		return &errs.CorruptStateError{Reason: "negative call counter"}
	}
	return nil
}

// Acquire grants a permit or defers the call. Deferral reasons: cooldown
// in effect, daily cap spent, or the minute window empty.
func (m *Manager) Acquire(call Call) (Permit, *Deferred) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rolloverLocked(now)

	if now.Before(m.st.RateLimitedUntil) {
		return Permit{}, m.deferLocked(call, now, "rate limit cooldown")
	}
	if m.st.CallsUsedToday >= m.cfg.DailyCap {
		return Permit{}, m.deferLocked(call, now, "daily cap reached")
	}
	if h, ok := m.health[call.Endpoint]; ok && now.Before(h.retryAt) {
		return Permit{}, m.deferLocked(call, now, "endpoint backing off")
	}
	if !m.bucket.AllowN(now, 1) {
		return Permit{}, m.deferLocked(call, now, "minute window exhausted")
	}

	m.st.CallsUsedToday++
	m.persistLocked()
	return Permit{Endpoint: call.Endpoint, GrantedAt: now}, nil
}

func (m *Manager) deferLocked(call Call, now time.Time, reason string) *Deferred {
	dc := DeferredCall{
		Endpoint:   call.Endpoint,
		Symbol:     call.Symbol,
		Priority:   call.Priority,
		EnqueuedAt: now,
	}
	m.queue.Enqueue(dc)
	log.Debug().Str("endpoint", call.Endpoint).Str("symbol", call.Symbol).
		Str("reason", reason).Msg("provider call deferred")
	return &Deferred{Call: dc, Reason: reason}
}

// ReportRateLimited enters the cooldown window. Cached data is untouched;
// only new permits stop. retryAfter of zero uses the configured cooldown.
func (m *Manager) ReportRateLimited(rlErr *errs.RateLimitedError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cooldown := m.cfg.RateLimitCooldown
	if rlErr != nil && rlErr.RetryAfter > 0 {
		cooldown = rlErr.RetryAfter
	}
	m.st.RateLimitedUntil = m.now().Add(cooldown)
	m.persistLocked()
	log.Warn().Time("until", m.st.RateLimitedUntil).
		Msg("provider rate limited, cooling down")
}

// ReportFailure records a transient failure for backoff. Returns the delay
// before the endpoint should be tried again.
func (m *Manager) ReportFailure(endpoint string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.healthLocked(endpoint)
	h.consecutiveFailures++
	delay := m.cfg.Backoff.Delay(h.consecutiveFailures)
	h.retryAt = m.now().Add(delay)

	if h.consecutiveFailures >= m.cfg.DegradedAfter {
		log.Warn().Str("endpoint", endpoint).Int("failures", h.consecutiveFailures).
			Msg("endpoint degraded, callers should use cached data")
	}
	return delay
}

// ReportSuccess clears backoff state for the endpoint.
func (m *Manager) ReportSuccess(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.health[endpoint]; ok {
		h.consecutiveFailures = 0
		h.retryAt = time.Time{}
	}
}

// Degraded reports whether callers should stop blocking on the endpoint:
// either it has failed enough consecutive times, or the provider-wide
// circuit is open.
func (m *Manager) Degraded(endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breaker.State() == gobreaker.StateOpen {
		return true
	}
	h, ok := m.health[endpoint]
	return ok && h.consecutiveFailures >= m.cfg.DegradedAfter
}

// Execute runs fn under the provider circuit breaker. Every provider fetch
// goes through here; once the breaker opens, calls fail fast with
// gobreaker.ErrOpenState until the timeout elapses.
func (m *Manager) Execute(fn func() (any, error)) (any, error) {
	return m.breaker.Execute(fn)
}

// ReplayReady drains up to n deferred calls, highest priority first, once
// the cooldown has elapsed. The scheduler calls this each refresh tick.
func (m *Manager) ReplayReady(n int) []DeferredCall {
	m.mu.Lock()
	now := m.now()
	m.rolloverLocked(now)
	coolingDown := now.Before(m.st.RateLimitedUntil)
	m.mu.Unlock()

	if coolingDown {
		return nil
	}
	return m.queue.Drain(n)
}

// Status is the read-only view for the health surface.
type Status struct {
	CallsUsedToday    int       `json:"calls_used_today"`
	DailyCap          int       `json:"daily_cap"`
	RateLimitedUntil  time.Time `json:"rate_limited_until,omitempty"`
	QueuedCalls       int       `json:"queued_calls"`
	DegradedEndpoints []string  `json:"degraded_endpoints,omitempty"`
}

// Status snapshots current quota usage.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var degraded []string
	for ep, h := range m.health {
		if h.consecutiveFailures >= m.cfg.DegradedAfter {
			degraded = append(degraded, ep)
		}
	}
	return Status{
		CallsUsedToday:    m.st.CallsUsedToday,
		DailyCap:          m.cfg.DailyCap,
		RateLimitedUntil:  m.st.RateLimitedUntil,
		QueuedCalls:       m.queue.Len(),
		DegradedEndpoints: degraded,
	}
}

func (m *Manager) healthLocked(endpoint string) *endpointHealth {
	h, ok := m.health[endpoint]
	if !ok {
		h = &endpointHealth{}
		m.health[endpoint] = h
	}
	return h
}

// rolloverLocked resets the daily counter at the provider's UTC day
// boundary. A missed reset (process asleep over midnight) is handled on
// the next call, never treated as an error.
func (m *Manager) rolloverLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if m.st.Day != day {
		m.st.Day = day
		m.st.CallsUsedToday = 0
		m.persistLocked()
	}
}

func (m *Manager) persistLocked() {
	if err := m.store.Save(&m.st); err != nil {
		log.Error().Err(err).Msg("failed to persist quota state")
	}
}
