// Package retryx wraps fallible units of work with bounded retries and
// exponential backoff.
package retryx

import (
	"context"
	"errors"
	"time"
)

// Policy configures bounded-retry-with-backoff behavior. The delay before
// retry k (1-indexed) is BaseDelay × 2^(k-1), capped at MaxDelay when set.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Warning describes a single retry, for observability sinks.
type Warning struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

type stopError struct {
	err error
}

func (s *stopError) Error() string { return s.err.Error() }
func (s *stopError) Unwrap() error { return s.err }

// Stop marks err as non-retryable; Execute returns the wrapped error
// immediately without consuming further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Execute calls fn, retrying on error up to MaxRetries times. Every retry is
// reported to warn (when non-nil) before the backoff sleep. The last error is
// returned once attempts are exhausted. Errors wrapped with Stop, and context
// cancellation, end the loop early.
func Execute[T any](ctx context.Context, p Policy, fn func() (T, error), warn func(Warning)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		var stop *stopError
		if errors.As(err, &stop) {
			return zero, stop.err
		}

		lastErr = err
		if attempt >= p.MaxRetries {
			return zero, lastErr
		}

		delay := p.delay(attempt + 1)
		if warn != nil {
			warn(Warning{Attempt: attempt + 1, Delay: delay, Err: err})
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (p Policy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	delay := base << (attempt - 1)
	if delay < base { // overflow guard
		delay = p.MaxDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
