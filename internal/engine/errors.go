package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the propagation taxonomy. Callers match with
// errors.Is; wrapping layers add adapter/operation context.
var (
	// ErrAdapterUnavailable means the adapter is disabled or quarantined.
	// Fail fast, do not retry at this layer.
	ErrAdapterUnavailable = errors.New("adapter unavailable")

	// ErrCircuitOpen means the breaker is open and the open-timeout has not
	// elapsed. Transient; retry later, not immediately.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrRateLimitTimeout means a governor slot could not be acquired before
	// the caller's deadline. Transient; safe to retry with backoff.
	ErrRateLimitTimeout = errors.New("rate limit timeout")

	// ErrJobTimeout means a job exceeded its wall-clock budget.
	ErrJobTimeout = errors.New("job timeout")

	// ErrAllTiersFailed means every configured tier errored during a search.
	// Distinct from a successful search with zero matches.
	ErrAllTiersFailed = errors.New("no results from any tier")

	// ErrNotFound is returned by stores when a key does not exist.
	ErrNotFound = errors.New("not found")
)

// AdapterCallError wraps a failure returned by the adapter itself. It is
// recorded against health metrics and retried only by the scheduler's policy.
type AdapterCallError struct {
	Adapter string
	Op      Capability
	Err     error
}

func (e *AdapterCallError) Error() string {
	return fmt.Sprintf("adapter %s: %s: %v", e.Adapter, e.Op, e.Err)
}

func (e *AdapterCallError) Unwrap() error {
	return e.Err
}

// NewAdapterCallError builds an AdapterCallError for the given call.
func NewAdapterCallError(adapter string, op Capability, err error) *AdapterCallError {
	return &AdapterCallError{Adapter: adapter, Op: op, Err: err}
}
