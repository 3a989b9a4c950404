package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rillflow/rill/runtime/result"
)

// SlidingWindowLimiter is a process-local RateLimiter. It keeps the
// timestamps of admitted operations per key and denies once the window
// holds limit of them, so the boundary slides with time instead of
// resetting on fixed ticks.
type SlidingWindowLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// SlidingWindowOption configures the limiter.
type SlidingWindowOption func(*SlidingWindowLimiter)

// WithLimiterClock overrides the time source. Tests use it to move the
// window without sleeping.
func WithLimiterClock(now func() time.Time) SlidingWindowOption {
	return func(l *SlidingWindowLimiter) { l.now = now }
}

// NewSlidingWindowLimiter returns an empty limiter.
func NewSlidingWindowLimiter(opts ...SlidingWindowOption) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		hits: make(map[string][]time.Time),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsAllowed implements RateLimiter. Exactly limit operations pass per
// window; the limit+1-th is denied.
func (l *SlidingWindowLimiter) IsAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if limit <= 0 {
		return false, result.Validationf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return false, result.Validationf("rate window must be positive, got %s", window)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-window)

	hits := l.hits[key]
	live := hits[:0]
	for _, at := range hits {
		if at.After(cutoff) {
			live = append(live, at)
		}
	}
	if len(live) >= limit {
		l.hits[key] = live
		return false, nil
	}
	l.hits[key] = append(live, now)
	return true, nil
}

// Reset drops all recorded hits.
func (l *SlidingWindowLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits = make(map[string][]time.Time)
}
