package orchestrator

import (
	"context"
	"errors"
	"net"
	"time"
)

// RetryPolicy controls automatic retries of transient node failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries per node failure streak.
	MaxAttempts int
	// BaseDelay is the first backoff step.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the documented defaults: 3 attempts, 2s base,
// 30s ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the delay before the given attempt (1-based):
// min(base * 2^(attempt-1), max).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports it retryable. Agent adapters
// use this for rate limits and upstream 5xx responses.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether a node failure is worth retrying: explicit
// Transient wrapping, deadline expiry, or a network timeout. Context
// cancellation is never transient since it signals an operator decision.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
