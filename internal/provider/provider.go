// Package provider defines the upstream-data collaborator contract. The
// core never sees provider endpoint shapes, only normalized component
// updates; the provider must classify each call's priority for the quota
// layer and surface 429s as errs.RateLimitedError so cooldown logic can
// tell them apart from plain failures.
package provider

import (
	"context"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/quota"
)

// SignalProvider fetches one component's reading for one symbol.
type SignalProvider interface {
	// Endpoint names the endpoint class for quota accounting and backoff.
	Endpoint() string
	// Classify builds the quota call descriptor (priority ranking) for a
	// symbol fetch.
	Classify(symbol string) quota.Call
	// Fetch retrieves the normalized observation. Errors must use the
	// errs taxonomy: *errs.RateLimitedError for 429s, *errs.TransientError
	// for network/5xx/timeouts.
	Fetch(ctx context.Context, symbol string) (signal.Observation, error)
}
