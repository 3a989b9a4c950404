package mediator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

type refund struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Key     string `json:"key"`
}

func (r refund) Validate() error {
	if r.Amount <= 0 {
		return result.Validationf("amount must be positive, got %d", r.Amount)
	}
	return nil
}

func (r refund) IdempotencyKey() string { return r.Key }

type refunded struct {
	OrderID string `json:"order_id"`
}

func TestValidationBehaviorRejectsInvalid(t *testing.T) {
	m := New()
	calls := 0
	require.NoError(t, RegisterRequest(m, HandlerFunc[refund, refunded](
		func(ctx context.Context, req refund) result.Result[refunded] {
			calls++
			return result.OK(refunded{OrderID: req.OrderID})
		})))
	require.NoError(t, RegisterBehavior(m, NewValidationBehavior(), OrderValidation))

	r := Send[refunded](context.Background(), m, refund{OrderID: "ord-1", Amount: -5})
	require.True(t, r.Failed())
	assert.Equal(t, result.KindValidation, r.Kind())
	assert.Zero(t, calls)

	ok := Send[refunded](context.Background(), m, refund{OrderID: "ord-1", Amount: 10})
	require.True(t, ok.IsOK())
	assert.Equal(t, 1, calls)
}

func TestSchemaValidationBehavior(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {
			"order_id": {"type": "string", "minLength": 1},
			"amount": {"type": "integer", "minimum": 1}
		},
		"required": ["order_id", "amount"]
	}`)

	b := NewSchemaValidationBehavior(codec.JSON())
	require.NoError(t, b.AddSchema("mediator.refund", schema))

	m := New()
	require.NoError(t, RegisterRequest(m, HandlerFunc[refund, refunded](
		func(ctx context.Context, req refund) result.Result[refunded] {
			return result.OK(refunded{OrderID: req.OrderID})
		})))
	require.NoError(t, RegisterBehavior(m, b, OrderValidation))

	bad := Send[refunded](context.Background(), m, refund{OrderID: "", Amount: 5})
	require.True(t, bad.Failed())
	assert.Equal(t, result.KindValidation, bad.Kind())

	good := Send[refunded](context.Background(), m, refund{OrderID: "ord-2", Amount: 5})
	require.True(t, good.IsOK(), "unexpected failure: %v", good.Err())
}

func TestSchemaValidationDuplicateRejected(t *testing.T) {
	b := NewSchemaValidationBehavior(codec.JSON())
	require.NoError(t, b.AddSchema("x", []byte(`{"type":"object"}`)))
	require.Error(t, b.AddSchema("x", []byte(`{"type":"object"}`)))
}

func TestRetryBehaviorRecoversFromTransient(t *testing.T) {
	m := New()
	attempts := 0
	require.NoError(t, RegisterRequest(m, HandlerFunc[refund, refunded](
		func(ctx context.Context, req refund) result.Result[refunded] {
			attempts++
			if attempts < 3 {
				return result.Failf[refunded](result.KindTransient, "store unavailable")
			}
			return result.OK(refunded{OrderID: req.OrderID})
		})))
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
	require.NoError(t, RegisterBehavior(m, NewRetryBehavior(cfg, telemetry.NewNoopLogger()), OrderRetry))

	r := Send[refunded](context.Background(), m, refund{OrderID: "ord-3", Amount: 1})
	require.True(t, r.IsOK())
	assert.Equal(t, 3, attempts)
}

func TestRetryBehaviorDoesNotRetryValidation(t *testing.T) {
	m := New()
	attempts := 0
	require.NoError(t, RegisterRequest(m, HandlerFunc[refund, refunded](
		func(ctx context.Context, req refund) result.Result[refunded] {
			attempts++
			return result.Failf[refunded](result.KindValidation, "bad request")
		})))
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, BackoffMultiplier: 2}
	require.NoError(t, RegisterBehavior(m, NewRetryBehavior(cfg, telemetry.NewNoopLogger()), OrderRetry))

	r := Send[refunded](context.Background(), m, refund{OrderID: "ord-4", Amount: 1})
	require.True(t, r.Failed())
	assert.Equal(t, 1, attempts)
}

func TestRetryBehaviorExhaustion(t *testing.T) {
	m := New()
	attempts := 0
	require.NoError(t, RegisterRequest(m, HandlerFunc[refund, refunded](
		func(ctx context.Context, req refund) result.Result[refunded] {
			attempts++
			return result.Failf[refunded](result.KindTransient, "still down")
		})))
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 1}
	require.NoError(t, RegisterBehavior(m, NewRetryBehavior(cfg, telemetry.NewNoopLogger()), OrderRetry))

	r := Send[refunded](context.Background(), m, refund{OrderID: "ord-5", Amount: 1})
	require.True(t, r.Failed())
	assert.Equal(t, 3, attempts)

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, r.Err(), &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

type memResultStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemResultStore() *memResultStore {
	return &memResultStore{data: make(map[string][]byte)}
}

func (s *memResultStore) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memResultStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func TestIdempotencyBehaviorReplaysResponse(t *testing.T) {
	m := New()
	calls := 0
	require.NoError(t, RegisterRequest(m, HandlerFunc[refund, refunded](
		func(ctx context.Context, req refund) result.Result[refunded] {
			calls++
			return result.OK(refunded{OrderID: req.OrderID})
		})))

	reg := codec.NewRegistry()
	require.NoError(t, codec.RegisterType[refunded](reg, "refunded.v1"))
	store := newMemResultStore()
	require.NoError(t, RegisterBehavior(m,
		NewIdempotencyBehavior(store, codec.JSON(), reg, time.Minute, telemetry.NewNoopLogger()),
		OrderIdempotency))

	req := refund{OrderID: "ord-6", Amount: 10, Key: "req-123"}
	first := Send[refunded](context.Background(), m, req)
	require.True(t, first.IsOK())
	second := Send[refunded](context.Background(), m, req)
	require.True(t, second.IsOK())

	assert.Equal(t, 1, calls, "second dispatch must replay the stored response")
	assert.Equal(t, first.Value(), second.Value())
}

func TestIdempotencyBehaviorSkipsFailures(t *testing.T) {
	m := New()
	calls := 0
	require.NoError(t, RegisterRequest(m, HandlerFunc[refund, refunded](
		func(ctx context.Context, req refund) result.Result[refunded] {
			calls++
			if calls == 1 {
				return result.Failf[refunded](result.KindTransient, "try again")
			}
			return result.OK(refunded{OrderID: req.OrderID})
		})))

	reg := codec.NewRegistry()
	require.NoError(t, codec.RegisterType[refunded](reg, "refunded.v1"))
	require.NoError(t, RegisterBehavior(m,
		NewIdempotencyBehavior(newMemResultStore(), codec.JSON(), reg, time.Minute, telemetry.NewNoopLogger()),
		OrderIdempotency))

	req := refund{OrderID: "ord-7", Amount: 10, Key: "req-456"}
	first := Send[refunded](context.Background(), m, req)
	require.True(t, first.Failed())
	second := Send[refunded](context.Background(), m, req)
	require.True(t, second.IsOK())
	assert.Equal(t, 2, calls, "failures must not be recorded as processed")
}

type fakeGate struct {
	leader   bool
	endpoint string
}

func (g *fakeGate) IsLeader(context.Context) bool { return g.leader }

func (g *fakeGate) LeaderEndpoint(context.Context) (string, error) { return g.endpoint, nil }

func TestLeaderOnlyBehavior(t *testing.T) {
	m := New()
	require.NoError(t, RegisterRequest(m, HandlerFunc[refund, refunded](
		func(ctx context.Context, req refund) result.Result[refunded] {
			return result.OK(refunded{OrderID: req.OrderID})
		})))

	gate := &fakeGate{leader: false, endpoint: "10.0.0.7:9000"}
	require.NoError(t, RegisterBehavior(m, NewLeaderOnlyBehavior(gate), OrderLeader))

	r := Send[refunded](context.Background(), m, refund{OrderID: "ord-8", Amount: 1})
	require.True(t, r.Failed())
	assert.Equal(t, result.KindUnauthorized, r.Kind())
	assert.Contains(t, r.Err().Error(), "10.0.0.7:9000")

	gate.leader = true
	ok := Send[refunded](context.Background(), m, refund{OrderID: "ord-8", Amount: 1})
	assert.True(t, ok.IsOK())
}

type fakeForwarder struct {
	forwarded []Message
	response  any
}

func (f *fakeForwarder) Forward(ctx context.Context, endpoint string, msg Message) (any, error) {
	f.forwarded = append(f.forwarded, msg)
	return f.response, nil
}

func TestForwardToLeaderBehavior(t *testing.T) {
	m := New()
	handlerRan := false
	require.NoError(t, RegisterRequest(m, HandlerFunc[refund, refunded](
		func(ctx context.Context, req refund) result.Result[refunded] {
			handlerRan = true
			return result.OK(refunded{OrderID: "local"})
		})))

	fwd := &fakeForwarder{response: refunded{OrderID: "from-leader"}}
	gate := &fakeGate{leader: false, endpoint: "10.0.0.9:9000"}
	require.NoError(t, RegisterBehavior(m, NewForwardToLeaderBehavior(gate, fwd), OrderLeader))

	r := Send[refunded](context.Background(), m, refund{OrderID: "ord-9", Amount: 1})
	require.True(t, r.IsOK())
	assert.Equal(t, "from-leader", r.Value().OrderID)
	assert.False(t, handlerRan)
	require.Len(t, fwd.forwarded, 1)
}

type fixedLimiter struct {
	mu    sync.Mutex
	calls int
	allow int
}

func (l *fixedLimiter) IsAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.calls <= l.allow, nil
}

func TestThrottleBehavior(t *testing.T) {
	m := New()
	require.NoError(t, RegisterRequest(m, HandlerFunc[refund, refunded](
		func(ctx context.Context, req refund) result.Result[refunded] {
			return result.OK(refunded{})
		})))
	require.NoError(t, RegisterBehavior(m,
		NewThrottleBehavior(&fixedLimiter{allow: 2}, 2, time.Second), OrderThrottle))

	for i := 0; i < 2; i++ {
		r := Send[refunded](context.Background(), m, refund{OrderID: "ord", Amount: 1})
		require.True(t, r.IsOK())
	}
	r := Send[refunded](context.Background(), m, refund{OrderID: "ord", Amount: 1})
	require.True(t, r.Failed())
	assert.Equal(t, result.KindRateLimited, r.Kind())
}
