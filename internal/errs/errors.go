// Package errs defines the error taxonomy shared across the bot.
//
// The split between Transient, RateLimited and the rest is load-bearing:
// the quota layer backs off on Transient, enters a cooldown on RateLimited,
// and the scorer refuses to produce numbers on StaleData. Callers must
// classify with errors.Is/As, never by string matching.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrTransient marks provider failures worth retrying with backoff
	// (network errors, timeouts, 5xx).
	ErrTransient = errors.New("transient provider error")

	// ErrRateLimited marks a provider 429. Handled by cooldown + queueing,
	// never by plain retry.
	ErrRateLimited = errors.New("rate limited")

	// ErrStaleData marks a snapshot past the usability ceiling. The scorer
	// refuses to score rather than fabricate a number.
	ErrStaleData = errors.New("stale data")

	// ErrCorruptState marks a persisted file that failed schema validation.
	// The loader resets to the empty default and continues.
	ErrCorruptState = errors.New("corrupt state file")

	// ErrQuotaExhausted marks the daily call budget being spent.
	ErrQuotaExhausted = errors.New("daily quota exhausted")
)

// TransientError wraps a retryable provider failure.
type TransientError struct {
	Endpoint string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure on %s: %v", e.Endpoint, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// RateLimitedError carries the provider's reset hint when one was given.
type RateLimitedError struct {
	Endpoint   string
	RetryAfter time.Duration // zero when the provider gave no hint
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited on %s, retry after %s", e.Endpoint, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited on %s", e.Endpoint)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// StaleDataError reports the component that breached the usability ceiling.
type StaleDataError struct {
	Symbol  string
	Age     time.Duration
	Ceiling time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("snapshot for %s is %s old, ceiling %s", e.Symbol, e.Age, e.Ceiling)
}

func (e *StaleDataError) Is(target error) bool { return target == ErrStaleData }

// CorruptStateError reports a persisted file the loader could not trust.
type CorruptStateError struct {
	Path   string
	Reason string
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %s", e.Path, e.Reason)
}

func (e *CorruptStateError) Is(target error) bool { return target == ErrCorruptState }

// ReconciliationConflict records a divergence between the local ledger and
// the venue. It is never surfaced as fatal: the reconciler resolves it by
// overwriting the local record with the venue's.
type ReconciliationConflict struct {
	Symbol   string
	LocalQty float64
	VenueQty float64
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("position mismatch for %s: local %.4f vs venue %.4f", e.Symbol, e.LocalQty, e.VenueQty)
}

// IsRetryable reports whether the error should go through backoff retry.
// Rate limits are deliberately excluded: they get cooldown + queueing.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
