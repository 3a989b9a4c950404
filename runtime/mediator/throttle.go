package mediator

import (
	"context"
	"time"

	"github.com/rillflow/rill/runtime/result"
)

// Limiter is the rate limiter slice the throttle behavior needs.
// cluster.RateLimiter implementations satisfy it.
type Limiter interface {
	IsAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// ThrottleBehavior sheds dispatches above a per-key rate with
// KindRateLimited. The default key is the message type, so each request
// type gets its own window.
type ThrottleBehavior struct {
	limiter Limiter
	limit   int
	window  time.Duration
	keyFn   func(Message) string
}

// ThrottleOption configures a ThrottleBehavior.
type ThrottleOption func(*ThrottleBehavior)

// WithThrottleKey derives the limiter key from the message instead of its
// type name.
func WithThrottleKey(fn func(Message) string) ThrottleOption {
	return func(b *ThrottleBehavior) { b.keyFn = fn }
}

// NewThrottleBehavior returns a behavior allowing limit dispatches per
// window and key.
func NewThrottleBehavior(limiter Limiter, limit int, window time.Duration, opts ...ThrottleOption) *ThrottleBehavior {
	b := &ThrottleBehavior{
		limiter: limiter,
		limit:   limit,
		window:  window,
		keyFn:   func(msg Message) string { return msg.Type },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements Behavior.
func (b *ThrottleBehavior) Name() string { return "throttle" }

// Handle implements Behavior.
func (b *ThrottleBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	key := b.keyFn(msg)
	allowed, err := b.limiter.IsAllowed(ctx, key, b.limit, b.window)
	if err != nil {
		return result.Fail[any](result.Wrapf(result.KindTransient, err, "rate limit check for %s", key))
	}
	if !allowed {
		return result.Failf[any](result.KindRateLimited,
			"rate limit exceeded for %s: %d per %s", key, b.limit, b.window)
	}
	return next(ctx)
}

// Pacer admits work under an adaptive budget and learns from outcomes.
// cluster.AdaptiveLimiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
	OnSuccess()
	OnThrottled()
}

// PaceBehavior blocks until the pacer grants a slot, then feeds the
// dispatch outcome back so the budget adapts: rate-limited failures shrink
// it, successes grow it toward its ceiling.
type PaceBehavior struct {
	pacer Pacer
}

// NewPaceBehavior returns a behavior paced by p.
func NewPaceBehavior(p Pacer) *PaceBehavior {
	return &PaceBehavior{pacer: p}
}

// Name implements Behavior.
func (b *PaceBehavior) Name() string { return "pace" }

// Handle implements Behavior.
func (b *PaceBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	if err := b.pacer.Wait(ctx); err != nil {
		return result.Fail[any](result.Wrapf(result.KindCancelled, err, "waiting for dispatch slot for %s", msg.Type))
	}
	r := next(ctx)
	if r.Failed() && r.Kind() == result.KindRateLimited {
		b.pacer.OnThrottled()
	} else if r.IsOK() {
		b.pacer.OnSuccess()
	}
	return r
}
