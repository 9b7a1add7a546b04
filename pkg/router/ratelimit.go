package router

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a per-account sliding-window counter (spec §4.4.2):
// at most maxRequests per windowMs per account id. Throttle suspends the
// caller until the oldest timestamp in the window ages out.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	maxRequests int
	window      time.Duration
}

// NewRateLimiter builds a limiter for one preset; per-plugin presets are
// supplied through Router.RegisterBackend (spec §4.4.2: "configured presets
// are informational, e.g. 250/s for one provider, 60/min for another").
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:     make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
	}
}

// Throttle blocks the caller until a slot in accountID's sliding window is
// free, then records its own timestamp. It honors ctx cancellation.
func (r *RateLimiter) Throttle(ctx context.Context, accountID string) error {
	for {
		wait, ok := r.tryAcquire(accountID)
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAcquire reports whether a slot was free (and, if so, records the
// caller's timestamp); otherwise it returns how long to wait before the
// oldest entry in the window ages out.
func (r *RateLimiter) tryAcquire(accountID string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	times := r.windows[accountID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) < r.maxRequests {
		kept = append(kept, now)
		r.windows[accountID] = kept
		return 0, true
	}

	r.windows[accountID] = kept
	oldest := kept[0]
	return oldest.Add(r.window).Sub(now), false
}
