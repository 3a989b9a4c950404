package mediator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillflow/rill/runtime/result"
)

type (
	createOrder struct {
		OrderID string `json:"order_id"`
		Amount  int64  `json:"amount"`
	}

	orderCreated struct {
		OrderID string `json:"order_id"`
		Version int64  `json:"version"`
	}

	orderPlaced struct {
		OrderID string `json:"order_id"`
	}
)

func newTestMediator(t *testing.T) *Mediator {
	t.Helper()
	return New()
}

func TestSendDispatchesToHandler(t *testing.T) {
	m := newTestMediator(t)
	err := RegisterRequest(m, HandlerFunc[createOrder, orderCreated](
		func(ctx context.Context, req createOrder) result.Result[orderCreated] {
			return result.OK(orderCreated{OrderID: req.OrderID, Version: 1})
		}))
	require.NoError(t, err)

	r := Send[orderCreated](context.Background(), m, createOrder{OrderID: "ord-1", Amount: 100})
	require.True(t, r.IsOK(), "unexpected failure: %v", r.Err())
	assert.Equal(t, orderCreated{OrderID: "ord-1", Version: 1}, r.Value())
}

func TestSendNoHandler(t *testing.T) {
	m := newTestMediator(t)
	r := Send[orderCreated](context.Background(), m, createOrder{OrderID: "ord-1"})
	require.True(t, r.Failed())
	assert.Equal(t, result.KindNoHandler, r.Kind())
}

func TestSendNilRequest(t *testing.T) {
	m := newTestMediator(t)
	r := Send[orderCreated](context.Background(), m, nil)
	require.True(t, r.Failed())
	assert.Equal(t, result.KindValidation, r.Kind())
}

func TestSendPointerRequestFindsValueHandler(t *testing.T) {
	m := newTestMediator(t)
	require.NoError(t, RegisterRequest(m, HandlerFunc[createOrder, orderCreated](
		func(ctx context.Context, req createOrder) result.Result[orderCreated] {
			return result.OK(orderCreated{OrderID: req.OrderID})
		})))

	r := Send[orderCreated](context.Background(), m, &createOrder{OrderID: "ord-9"})
	require.True(t, r.IsOK())
	assert.Equal(t, "ord-9", r.Value().OrderID)
}

func TestSendResponseTypeMismatch(t *testing.T) {
	m := newTestMediator(t)
	require.NoError(t, RegisterRequest(m, HandlerFunc[createOrder, orderCreated](
		func(ctx context.Context, req createOrder) result.Result[orderCreated] {
			return result.OK(orderCreated{})
		})))

	r := Send[string](context.Background(), m, createOrder{})
	require.True(t, r.Failed())
	assert.Equal(t, result.KindConfiguration, r.Kind())
}

func TestDuplicateRequestHandlerRejected(t *testing.T) {
	m := newTestMediator(t)
	h := HandlerFunc[createOrder, orderCreated](
		func(ctx context.Context, req createOrder) result.Result[orderCreated] {
			return result.OK(orderCreated{})
		})
	require.NoError(t, RegisterRequest(m, h))

	err := RegisterRequest(m, h)
	require.Error(t, err)
	assert.Equal(t, result.KindConfiguration, result.KindOf(err))
}

func TestFreezeRejectsRegistration(t *testing.T) {
	m := newTestMediator(t)
	m.Freeze()

	err := RegisterRequest(m, HandlerFunc[createOrder, orderCreated](
		func(ctx context.Context, req createOrder) result.Result[orderCreated] {
			return result.OK(orderCreated{})
		}))
	require.Error(t, err)
	assert.Equal(t, result.KindConfiguration, result.KindOf(err))
}

func TestHandlerFailurePassesThrough(t *testing.T) {
	m := newTestMediator(t)
	require.NoError(t, RegisterRequest(m, HandlerFunc[createOrder, orderCreated](
		func(ctx context.Context, req createOrder) result.Result[orderCreated] {
			return result.Failf[orderCreated](result.KindConflict, "expected version 3, stream at 5")
		})))

	r := Send[orderCreated](context.Background(), m, createOrder{})
	require.True(t, r.Failed())
	assert.Equal(t, result.KindConflict, r.Kind())
}

func TestHandlerPanicBecomesFatalFailure(t *testing.T) {
	m := newTestMediator(t)
	require.NoError(t, RegisterRequest(m, HandlerFunc[createOrder, orderCreated](
		func(ctx context.Context, req createOrder) result.Result[orderCreated] {
			panic("corrupted aggregate")
		})))

	r := Send[orderCreated](context.Background(), m, createOrder{})
	require.True(t, r.Failed())
	assert.Equal(t, result.KindFatal, r.Kind())
	assert.Contains(t, r.Err().Error(), "corrupted aggregate")
}

func TestMessageIDAvailableInHandler(t *testing.T) {
	m := newTestMediator(t)
	require.NoError(t, RegisterRequest(m, HandlerFunc[createOrder, orderCreated](
		func(ctx context.Context, req createOrder) result.Result[orderCreated] {
			msg, ok := FromContext(ctx)
			require.True(t, ok)
			require.NotZero(t, msg.ID)
			require.Equal(t, KindRequest, msg.Kind)
			return result.OK(orderCreated{})
		})))

	first := Send[orderCreated](context.Background(), m, createOrder{})
	require.True(t, first.IsOK())
}

func TestPublishFansOutInRegistrationOrder(t *testing.T) {
	m := newTestMediator(t)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		require.NoError(t, RegisterEvent(m, EventHandlerFunc[orderPlaced](
			func(ctx context.Context, evt orderPlaced) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			})))
	}

	r := Publish(context.Background(), m, orderPlaced{OrderID: "ord-1"})
	require.True(t, r.IsOK())
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPublishNoHandlersSucceeds(t *testing.T) {
	m := newTestMediator(t)
	r := Publish(context.Background(), m, orderPlaced{})
	assert.True(t, r.IsOK())
}

func TestPublishCollectsFailuresWithoutStopping(t *testing.T) {
	m := newTestMediator(t)

	var secondRan, thirdRan bool
	require.NoError(t, RegisterEvent(m, EventHandlerFunc[orderPlaced](
		func(ctx context.Context, evt orderPlaced) error {
			return errors.New("projection offline")
		})))
	require.NoError(t, RegisterEvent(m, EventHandlerFunc[orderPlaced](
		func(ctx context.Context, evt orderPlaced) error {
			secondRan = true
			panic("index out of range")
		})))
	require.NoError(t, RegisterEvent(m, EventHandlerFunc[orderPlaced](
		func(ctx context.Context, evt orderPlaced) error {
			thirdRan = true
			return nil
		})))

	r := Publish(context.Background(), m, orderPlaced{OrderID: "ord-2"})
	require.True(t, r.Failed())
	assert.True(t, secondRan)
	assert.True(t, thirdRan, "a failing handler must not stop later handlers")

	var pubErr *PublishError
	require.ErrorAs(t, r.Err(), &pubErr)
	assert.Equal(t, 3, pubErr.Handlers)
	require.Len(t, pubErr.Failures, 2)
	assert.Equal(t, result.KindFatal, result.KindOf(pubErr.Failures[1].Err))
}

func TestPublishStopsOnCancelledContext(t *testing.T) {
	m := newTestMediator(t)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	require.NoError(t, RegisterEvent(m, EventHandlerFunc[orderPlaced](
		func(ctx context.Context, evt orderPlaced) error {
			calls++
			cancel()
			return nil
		})))
	require.NoError(t, RegisterEvent(m, EventHandlerFunc[orderPlaced](
		func(ctx context.Context, evt orderPlaced) error {
			calls++
			return nil
		})))

	r := Publish(ctx, m, orderPlaced{})
	require.True(t, r.Failed())
	assert.Equal(t, result.KindCancelled, r.Kind())
	assert.Equal(t, 1, calls)
}

type traceBehavior struct {
	name string
	mu   *sync.Mutex
	log  *[]string
}

func (b *traceBehavior) Name() string { return b.name }

func (b *traceBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	b.mu.Lock()
	*b.log = append(*b.log, b.name+":enter")
	b.mu.Unlock()
	r := next(ctx)
	b.mu.Lock()
	*b.log = append(*b.log, b.name+":exit")
	b.mu.Unlock()
	return r
}

func TestBehaviorOrdering(t *testing.T) {
	m := newTestMediator(t)
	require.NoError(t, RegisterRequest(m, HandlerFunc[createOrder, orderCreated](
		func(ctx context.Context, req createOrder) result.Result[orderCreated] {
			return result.OK(orderCreated{})
		})))

	var mu sync.Mutex
	var log []string
	// Register out of order; the order argument decides nesting.
	require.NoError(t, RegisterBehavior(m, &traceBehavior{name: "inner", mu: &mu, log: &log}, 20))
	require.NoError(t, RegisterBehavior(m, &traceBehavior{name: "outer", mu: &mu, log: &log}, 10))
	require.NoError(t, RegisterRequestBehavior[createOrder](m, &traceBehavior{name: "typed", mu: &mu, log: &log}, 0))

	r := Send[orderCreated](context.Background(), m, createOrder{})
	require.True(t, r.IsOK())
	assert.Equal(t, []string{
		"outer:enter", "inner:enter", "typed:enter",
		"typed:exit", "inner:exit", "outer:exit",
	}, log)
}

func TestBehaviorShortCircuit(t *testing.T) {
	m := newTestMediator(t)
	handlerRan := false
	require.NoError(t, RegisterRequest(m, HandlerFunc[createOrder, orderCreated](
		func(ctx context.Context, req createOrder) result.Result[orderCreated] {
			handlerRan = true
			return result.OK(orderCreated{})
		})))

	deny := behaviorFunc{name: "deny", fn: func(ctx context.Context, msg Message, next Next) result.Result[any] {
		return result.Failf[any](result.KindForbidden, "blocked")
	}}
	require.NoError(t, RegisterBehavior(m, deny, 0))

	r := Send[orderCreated](context.Background(), m, createOrder{})
	require.True(t, r.Failed())
	assert.Equal(t, result.KindForbidden, r.Kind())
	assert.False(t, handlerRan)
}

type behaviorFunc struct {
	name string
	fn   func(ctx context.Context, msg Message, next Next) result.Result[any]
}

func (b behaviorFunc) Name() string { return b.name }

func (b behaviorFunc) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	return b.fn(ctx, msg, next)
}
