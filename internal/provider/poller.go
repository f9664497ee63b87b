package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/cache"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/errs"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/quota"
)

// Poller refreshes the signal cache from pull-based providers under quota
// control. A refused permit is not a failure: the call sits on the durable
// queue and replays when capacity returns.
type Poller struct {
	providers   []SignalProvider
	quota       *quota.Manager
	cache       *cache.SignalCache
	universe    []string
	callTimeout time.Duration
	onFailure   func(endpoint string)
}

// NewPoller wires providers to the cache through the quota manager.
func NewPoller(providers []SignalProvider, q *quota.Manager, c *cache.SignalCache, universe []string) *Poller {
	return &Poller{
		providers:   providers,
		quota:       q,
		cache:       c,
		universe:    universe,
		callTimeout: 15 * time.Second,
	}
}

// OnFailure registers a callback invoked once per failed fetch, keyed by
// endpoint. Used for metrics; must be set before the first RefreshAll.
func (p *Poller) OnFailure(fn func(endpoint string)) {
	p.onFailure = fn
}

// RefreshAll attempts one refresh of every (provider, symbol) pair, then
// replays any deferred backlog capacity allows. Called by the scheduler at
// the market-hours-aware cadence.
func (p *Poller) RefreshAll(ctx context.Context) {
	for _, prov := range p.providers {
		if p.quota.Degraded(prov.Endpoint()) {
			log.Debug().Str("endpoint", prov.Endpoint()).
				Msg("endpoint degraded, serving cached data this cycle")
			continue
		}
		for _, symbol := range p.universe {
			p.fetchOne(ctx, prov, symbol)
		}
	}
	p.replayDeferred(ctx)
}

func (p *Poller) fetchOne(ctx context.Context, prov SignalProvider, symbol string) {
	call := prov.Classify(symbol)
	if _, deferred := p.quota.Acquire(call); deferred != nil {
		return // queued durably, replayed later
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	res, err := p.quota.Execute(func() (any, error) {
		return prov.Fetch(callCtx, symbol)
	})
	cancel()

	switch {
	case err == nil:
		p.quota.ReportSuccess(prov.Endpoint())
		p.cache.Put(symbol, res.(signal.Observation))
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		// Breaker is shedding load; next cycle sees the endpoint degraded.
		log.Debug().Str("endpoint", prov.Endpoint()).Str("symbol", symbol).
			Msg("provider circuit open, fetch skipped")
	case errors.Is(err, errs.ErrRateLimited):
		var rl *errs.RateLimitedError
		errors.As(err, &rl)
		p.quota.ReportRateLimited(rl)
		// Re-queue the call we burned the permit on.
		p.quota.Acquire(call)
	default:
		if p.onFailure != nil {
			p.onFailure(prov.Endpoint())
		}
		delay := p.quota.ReportFailure(prov.Endpoint())
		log.Warn().Err(err).Str("endpoint", prov.Endpoint()).Str("symbol", symbol).
			Dur("backoff", delay).Msg("provider fetch failed")
	}
}

// replayDeferred drains the priority backlog as far as current capacity
// allows.
func (p *Poller) replayDeferred(ctx context.Context) {
	byEndpoint := make(map[string]SignalProvider, len(p.providers))
	for _, prov := range p.providers {
		byEndpoint[prov.Endpoint()] = prov
	}

	for _, call := range p.quota.ReplayReady(len(p.universe)) {
		prov, ok := byEndpoint[call.Endpoint]
		if !ok {
			log.Warn().Str("endpoint", call.Endpoint).Msg("deferred call for unknown endpoint dropped")
			continue
		}
		p.fetchOne(ctx, prov, call.Symbol)
	}
}
