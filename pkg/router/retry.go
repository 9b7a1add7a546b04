package router

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// RetryPolicy implements the exponential-backoff-with-jitter retry rule of
// spec §4.4.1: 3 attempts, 1s initial delay, 2x multiplier, 5s cap, jitter
// in [0.5, 1.0] of the computed delay. Only transient errors are retried;
// everything else propagates immediately.
type RetryPolicy struct {
	MaxAttempts int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// OnRetry is called before each retry sleep, for observability.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
	}
}

// Do runs fn, retrying on transient errors per the policy. The context
// deadline is honored between attempts (spec §5: "workers check the
// deadline between retry attempts").
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	delay := p.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == p.MaxAttempts {
			return lastErr
		}

		wait := jitter(delay, p.MaxDelay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}

func jitter(delay, cap time.Duration) time.Duration {
	if delay > cap {
		delay = cap
	}
	factor := 0.5 + rand.Float64()*0.5 // [0.5, 1.0]
	return time.Duration(float64(delay) * factor)
}

// transientError marks an error as retriable without requiring callers to
// match on network/HTTP types directly.
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// MarkTransient wraps err so IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient classifies err per spec §4.4.1: network errors, timeouts,
// HTTP 5xx, HTTP 429.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return false
}

// HTTPStatusError carries a provider HTTP response status, so IsTransient
// can classify 429/5xx without depending on a specific HTTP client type.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string { return e.Err.Error() }
func (e *HTTPStatusError) Unwrap() error { return e.Err }
