package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rillflow/rill/runtime/cluster"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultFixedPrefix   = "rill:ratelimit:fixed:"
	defaultSlidingPrefix = "rill:ratelimit:sliding:"
)

// fixedWindowScript counts the hit and starts the window's expiry on the
// first hit, so the window begins with the first operation and resets when
// the key lapses.
var fixedWindowScript = redis.NewScript(`
local n = redis.call("incr", KEYS[1])
if n == 1 then
	redis.call("pexpire", KEYS[1], ARGV[1])
end
return n
`)

// slidingWindowScript drops hits older than the window, then admits the
// call only while the window holds fewer than limit of them.
var slidingWindowScript = redis.NewScript(`
redis.call("zremrangebyscore", KEYS[1], "-inf", ARGV[1])
local n = redis.call("zcard", KEYS[1])
if n >= tonumber(ARGV[2]) then
	return 0
end
redis.call("zadd", KEYS[1], ARGV[3], ARGV[4])
redis.call("pexpire", KEYS[1], ARGV[5])
return 1
`)

// FixedWindowOptions configures the fixed window limiter.
type FixedWindowOptions struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// KeyPrefix namespaces limiter keys. Defaults to "rill:ratelimit:fixed:".
	KeyPrefix string
}

// FixedWindowLimiter counts operations per key in windows that start with
// the first operation and reset when the counter key expires. Cheap, with
// the usual fixed-window caveat that up to 2x limit may pass across a
// window boundary.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
}

var _ cluster.RateLimiter = (*FixedWindowLimiter)(nil)

// NewFixedWindowLimiter returns a Redis-backed fixed window limiter.
func NewFixedWindowLimiter(opts FixedWindowOptions) (*FixedWindowLimiter, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("cluster redis: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultFixedPrefix
	}
	return &FixedWindowLimiter{client: opts.Client, prefix: prefix}, nil
}

// IsAllowed implements cluster.RateLimiter. Exactly limit operations pass
// per window; the limit+1-th is denied.
func (l *FixedWindowLimiter) IsAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, result.Validationf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return false, result.Validationf("rate window must be positive, got %s", window)
	}
	n, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int()
	if err != nil {
		return false, result.Wrapf(result.KindTransient, err, "rate limiting %q", key)
	}
	return n <= limit, nil
}

// SlidingWindowOptions configures the sliding window limiter.
type SlidingWindowOptions struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// KeyPrefix namespaces limiter keys. Defaults to "rill:ratelimit:sliding:".
	KeyPrefix string
	// Clock overrides the time source used for hit timestamps. Tests use
	// it to move the window without sleeping.
	Clock func() time.Time
}

// SlidingWindowLimiter records a timestamp per admitted operation in a
// sorted set, so the boundary slides with time instead of resetting on
// fixed ticks. One script trims, counts, and admits atomically.
type SlidingWindowLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ cluster.RateLimiter = (*SlidingWindowLimiter)(nil)

// NewSlidingWindowLimiter returns a Redis-backed sliding window limiter.
func NewSlidingWindowLimiter(opts SlidingWindowOptions) (*SlidingWindowLimiter, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("cluster redis: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultSlidingPrefix
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &SlidingWindowLimiter{client: opts.Client, prefix: prefix, now: now}, nil
}

// IsAllowed implements cluster.RateLimiter. Exactly limit operations pass
// per window; the limit+1-th is denied until the oldest hit leaves the
// window.
func (l *SlidingWindowLimiter) IsAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, result.Validationf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return false, result.Validationf("rate window must be positive, got %s", window)
	}
	now := l.now()
	cutoff := now.Add(-window).UnixMicro()
	n, err := slidingWindowScript.Run(ctx, l.client, []string{l.prefix + key},
		cutoff, limit, now.UnixMicro(), uuid.NewString(), window.Milliseconds()).Int()
	if err != nil {
		return false, result.Wrapf(result.KindTransient, err, "rate limiting %q", key)
	}
	return n == 1, nil
}
