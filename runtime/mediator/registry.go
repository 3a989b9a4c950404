package mediator

import (
	"context"
	"reflect"

	"github.com/rillflow/rill/runtime/result"
)

type (
	// Handler processes a request of type Req and produces a response of
	// type Res.
	Handler[Req, Res any] interface {
		Handle(ctx context.Context, req Req) result.Result[Res]
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc[Req, Res any] func(ctx context.Context, req Req) result.Result[Res]

	// EventHandler processes an event of type E. Returned errors are
	// collected by Publish without stopping other handlers.
	EventHandler[E any] interface {
		Handle(ctx context.Context, evt E) error
	}

	// EventHandlerFunc adapts a function to the EventHandler interface.
	EventHandlerFunc[E any] func(ctx context.Context, evt E) error
)

// Handle implements Handler.
func (f HandlerFunc[Req, Res]) Handle(ctx context.Context, req Req) result.Result[Res] {
	return f(ctx, req)
}

// Handle implements EventHandler.
func (f EventHandlerFunc[E]) Handle(ctx context.Context, evt E) error {
	return f(ctx, evt)
}

// requestEntry is the type-erased form of a registered request handler.
type requestEntry struct {
	typeName  string
	resType   reflect.Type
	invoke    func(ctx context.Context, req any) result.Result[any]
	behaviors []behaviorEntry
}

// eventEntry is the type-erased form of a registered event handler. invoke
// captures panics so one handler cannot abort the fan-out.
type eventEntry struct {
	name   string
	invoke func(ctx context.Context, evt any) error
}

// RegisterRequest binds h as the single handler for requests of type Req.
// A second registration for the same type, or any registration after
// Freeze, fails with a configuration error.
func RegisterRequest[Req, Res any](m *Mediator, h Handler[Req, Res]) error {
	if h == nil {
		return result.Configurationf("nil handler for %s", typeOf[Req]())
	}
	rt := typeOf[Req]()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return result.Configurationf("registry frozen; cannot register handler for %s", rt)
	}
	if _, dup := m.requests[rt]; dup {
		return result.Configurationf("handler already registered for %s", rt)
	}
	m.requests[rt] = &requestEntry{
		typeName: rt.String(),
		resType:  typeOf[Res](),
		invoke: func(ctx context.Context, req any) result.Result[any] {
			r := h.Handle(ctx, req.(Req))
			if r.Failed() {
				return result.Fail[any](r.Err())
			}
			return result.OK[any](r.Value())
		},
	}
	m.logger.Debug(context.Background(), "registered request handler",
		"request", rt.String(), "handler", reflect.TypeOf(h).String())
	return nil
}

// RegisterEvent appends h to the handlers for events of type E. Handlers
// run in registration order.
func RegisterEvent[E any](m *Mediator, h EventHandler[E]) error {
	if h == nil {
		return result.Configurationf("nil event handler for %s", typeOf[E]())
	}
	rt := typeOf[E]()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return result.Configurationf("registry frozen; cannot register handler for %s", rt)
	}
	m.events[rt] = append(m.events[rt], &eventEntry{
		name: reflect.TypeOf(h).String(),
		invoke: func(ctx context.Context, evt any) (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = result.FromPanic(rec)
				}
			}()
			return h.Handle(ctx, evt.(E))
		},
	})
	m.logger.Debug(context.Background(), "registered event handler",
		"event", rt.String(), "handler", reflect.TypeOf(h).String())
	return nil
}

// RegisterBehavior installs b in the global pipeline. Lower order runs
// outermost; equal orders keep registration sequence.
func RegisterBehavior(m *Mediator, b Behavior, order int) error {
	if b == nil {
		return result.Configurationf("nil behavior")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return result.Configurationf("registry frozen; cannot register behavior %s", b.Name())
	}
	m.behaviors = insertBehavior(m.behaviors, behaviorEntry{order: order, seq: m.nextSeq, b: b})
	m.nextSeq++
	return nil
}

// RegisterRequestBehavior installs b for requests of type Req only. It runs
// inside all global behaviors, ordered among the type's own behaviors.
func RegisterRequestBehavior[Req any](m *Mediator, b Behavior, order int) error {
	if b == nil {
		return result.Configurationf("nil behavior")
	}
	rt := typeOf[Req]()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return result.Configurationf("registry frozen; cannot register behavior %s", b.Name())
	}
	entry, ok := m.requests[rt]
	if !ok {
		return result.Configurationf("no handler registered for %s; register the handler first", rt)
	}
	entry.behaviors = insertBehavior(entry.behaviors, behaviorEntry{order: order, seq: m.nextSeq, b: b})
	m.nextSeq++
	return nil
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
