package cluster

import (
	"context"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter is an AIMD admission budget: successes grow it additively
// toward a ceiling, throttling signals halve it down to a floor. The
// mediator's pace behavior feeds dispatch outcomes back through OnSuccess
// and OnThrottled. The budget is expressed in permits per minute.
type AdaptiveLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	current float64
	floor   float64
	ceiling float64
	step    float64

	onBackoff func(newBudget float64)
	onProbe   func(newBudget float64)
}

// NewAdaptiveLimiter returns a process-local limiter starting at
// initialPerMinute permits, adapting between one tenth of that and
// maxPerMinute.
func NewAdaptiveLimiter(initialPerMinute, maxPerMinute float64) *AdaptiveLimiter {
	if initialPerMinute <= 0 {
		initialPerMinute = 600
	}
	if maxPerMinute <= 0 || maxPerMinute < initialPerMinute {
		maxPerMinute = initialPerMinute
	}
	floor := initialPerMinute * 0.1
	if floor < 1 {
		floor = 1
	}
	step := initialPerMinute * 0.05
	if step < 1 {
		step = 1
	}
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(rate.Limit(initialPerMinute/60.0), burstFor(initialPerMinute)),
		current: initialPerMinute,
		floor:   floor,
		ceiling: maxPerMinute,
		step:    step,
	}
}

func burstFor(perMinute float64) int {
	b := int(perMinute)
	if b < 1 {
		b = 1
	}
	return b
}

// Wait blocks until the budget grants a permit or ctx ends.
func (l *AdaptiveLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a permit is available without blocking.
func (l *AdaptiveLimiter) Allow() bool {
	return l.limiter.Allow()
}

// OnSuccess grows the budget by one step toward its ceiling.
func (l *AdaptiveLimiter) OnSuccess() {
	l.mu.Lock()
	next := l.current + l.step
	if next > l.ceiling {
		next = l.ceiling
	}
	if next == l.current {
		l.mu.Unlock()
		return
	}
	l.apply(next)
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(next)
	}
}

// OnThrottled halves the budget down to its floor.
func (l *AdaptiveLimiter) OnThrottled() {
	l.mu.Lock()
	next := l.current * 0.5
	if next < l.floor {
		next = l.floor
	}
	if next == l.current {
		l.mu.Unlock()
		return
	}
	l.apply(next)
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(next)
	}
}

// Budget returns the current permits-per-minute budget.
func (l *AdaptiveLimiter) Budget() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// apply requires mu held.
func (l *AdaptiveLimiter) apply(perMinute float64) {
	l.current = perMinute
	l.limiter.SetLimit(rate.Limit(perMinute / 60.0))
	l.limiter.SetBurst(burstFor(perMinute))
}

// replaceBudget clamps and applies an externally decided budget.
func (l *AdaptiveLimiter) replaceBudget(perMinute float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perMinute < l.floor {
		perMinute = l.floor
	}
	if perMinute > l.ceiling {
		perMinute = l.ceiling
	}
	if perMinute == l.current {
		return
	}
	l.apply(perMinute)
}

func (l *AdaptiveLimiter) setSharedCallbacks(onBackoff, onProbe func(float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

// sharedBudget is the slice of rmap.Map the cluster-coordinated limiter
// uses.
type sharedBudget interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

type rmapBudget struct{ m *rmap.Map }

func (b *rmapBudget) Get(key string) (string, bool) { return b.m.Get(key) }
func (b *rmapBudget) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return b.m.SetIfNotExists(ctx, key, value)
}
func (b *rmapBudget) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return b.m.TestAndSet(ctx, key, test, value)
}
func (b *rmapBudget) Subscribe() <-chan rmap.EventKind { return b.m.Subscribe() }

// NewSharedAdaptiveLimiter returns a limiter whose budget is coordinated
// across processes through a replicated map: any node's throttle halves the
// shared budget, successes raise it, and every node reconciles its local
// limiter on map events. A nil map or empty key degrades to a process-local
// limiter.
func NewSharedAdaptiveLimiter(ctx context.Context, m *rmap.Map, key string, initialPerMinute, maxPerMinute float64) *AdaptiveLimiter {
	var b sharedBudget
	if m != nil {
		b = &rmapBudget{m: m}
	}
	return newSharedAdaptiveLimiter(ctx, b, key, initialPerMinute, maxPerMinute)
}

func newSharedAdaptiveLimiter(ctx context.Context, b sharedBudget, key string, initialPerMinute, maxPerMinute float64) *AdaptiveLimiter {
	if b == nil || key == "" {
		return NewAdaptiveLimiter(initialPerMinute, maxPerMinute)
	}

	// Seed the shared budget on first use. A concurrent writer may win;
	// the read below picks up whichever value landed.
	if _, ok := b.Get(key); !ok {
		if _, err := b.SetIfNotExists(ctx, key, strconv.Itoa(int(initialPerMinute))); err != nil {
			// A partially reachable map must not stall callers.
			return NewAdaptiveLimiter(initialPerMinute, maxPerMinute)
		}
	}
	shared := initialPerMinute
	if cur, ok := b.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			shared = v
		}
	}

	l := NewAdaptiveLimiter(shared, maxPerMinute)
	floor, ceiling, step := l.floor, l.ceiling, l.step
	l.setSharedCallbacks(
		func(float64) { go lowerSharedBudget(context.Background(), b, key, floor) },
		func(float64) { go raiseSharedBudget(context.Background(), b, key, step, ceiling) },
	)

	ch := b.Subscribe()
	go func() {
		for range ch {
			cur, ok := b.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceBudget(v)
		}
	}()

	return l
}

func lowerSharedBudget(ctx context.Context, b sharedBudget, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := b.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		prev, err := b.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

func raiseSharedBudget(ctx context.Context, b sharedBudget, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := b.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		if cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		prev, err := b.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}
