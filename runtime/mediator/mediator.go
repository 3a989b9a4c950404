// Package mediator dispatches requests and events to registered handlers
// through a composable behavior pipeline.
//
// A request has exactly one handler and produces a typed response; an event
// fans out to zero or more handlers. Both travel through the same behavior
// chain (logging, telemetry, validation, retries, idempotency, leadership
// checks, throttling) before reaching handlers. Every entrypoint returns a
// result.Result: failures are classified values, and panics anywhere in the
// pipeline surface as KindFatal failures instead of crossing the dispatch
// boundary.
//
// The registry is owned by the Mediator instance. Handlers register at
// startup under their request type; there is no reflection-based discovery
// and no global state. Freeze seals the registry once wiring is complete.
package mediator

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/rillflow/rill/runtime/msgid"
	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

// MessageKind distinguishes the two dispatch shapes.
type MessageKind string

const (
	// KindRequest is a message with exactly one handler and a response.
	KindRequest MessageKind = "request"
	// KindEvent is a message fanned out to all registered handlers.
	KindEvent MessageKind = "event"
)

// Message describes an in-flight dispatch to behaviors.
type Message struct {
	// ID is the 64-bit id assigned to this dispatch.
	ID msgid.ID
	// Kind reports whether this is a request or an event.
	Kind MessageKind
	// Type is the Go type name of the body, for logs and metrics.
	Type string
	// Body is the request or event value.
	Body any
}

// Mediator routes requests and events through behaviors to handlers.
// Registration happens at startup; dispatch is safe for concurrent use.
type Mediator struct {
	mu        sync.RWMutex
	frozen    bool
	requests  map[reflect.Type]*requestEntry
	events    map[reflect.Type][]*eventEntry
	behaviors []behaviorEntry
	nextSeq   int

	ids    *msgid.Generator
	logger telemetry.Logger
}

// Option configures a Mediator.
type Option func(*Mediator)

// WithLogger sets the logger used for registry diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Mediator) { m.logger = l }
}

// WithGenerator sets the message id generator. The default uses a random
// node number.
func WithGenerator(g *msgid.Generator) Option {
	return func(m *Mediator) { m.ids = g }
}

// New returns an empty mediator.
func New(opts ...Option) *Mediator {
	m := &Mediator{
		requests: make(map[reflect.Type]*requestEntry),
		events:   make(map[reflect.Type][]*eventEntry),
		logger:   telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ids == nil {
		g, err := msgid.NewGenerator(msgid.RandomNode())
		if err != nil {
			// RandomNode always fits the node range.
			panic(err)
		}
		m.ids = g
	}
	return m
}

// Freeze seals the registry. Registration after Freeze fails with a
// configuration error; dispatch is unaffected.
func (m *Mediator) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

// Send dispatches req to its registered handler and returns the typed
// response. The Res type argument must match the response type the handler
// was registered with; a mismatch fails with KindConfiguration. A missing
// handler fails with KindNoHandler.
func Send[Res any](ctx context.Context, m *Mediator, req any) result.Result[Res] {
	if req == nil {
		return result.Failf[Res](result.KindValidation, "cannot send a nil request")
	}
	entry, body, ok := m.lookupRequest(req)
	if !ok {
		return result.Failf[Res](result.KindNoHandler, "no handler registered for %T", req)
	}
	want := reflect.TypeOf((*Res)(nil)).Elem()
	if entry.resType != want {
		return result.Failf[Res](result.KindConfiguration,
			"handler for %s responds with %s, not %s", entry.typeName, entry.resType, want)
	}

	msg := Message{ID: m.ids.Next(), Kind: KindRequest, Type: entry.typeName, Body: body}
	ctx = withMessage(ctx, msg)

	r := runGuarded(ctx, m.compose(entry.behaviors, msg, func(ctx context.Context) result.Result[any] {
		return entry.invoke(ctx, body)
	}))
	if r.Failed() {
		return result.Fail[Res](r.Err())
	}
	v := r.Value()
	if v == nil {
		var zero Res
		return result.OK(zero)
	}
	res, ok := v.(Res)
	if !ok {
		return result.Failf[Res](result.KindConfiguration,
			"handler for %s produced %T, want %s", entry.typeName, v, want)
	}
	return result.OK(res)
}

// Dispatch is the untyped variant of Send for callers that resolve the
// response type at runtime, such as flow send nodes. The returned value has
// the dynamic type the handler was registered with.
func (m *Mediator) Dispatch(ctx context.Context, req any) (any, error) {
	if req == nil {
		return nil, result.Validationf("cannot send a nil request")
	}
	entry, body, ok := m.lookupRequest(req)
	if !ok {
		return nil, result.Newf(result.KindNoHandler, "no handler registered for %T", req)
	}

	msg := Message{ID: m.ids.Next(), Kind: KindRequest, Type: entry.typeName, Body: body}
	ctx = withMessage(ctx, msg)

	r := runGuarded(ctx, m.compose(entry.behaviors, msg, func(ctx context.Context) result.Result[any] {
		return entry.invoke(ctx, body)
	}))
	return r.Get()
}

// Publish dispatches evt to every handler registered for its type, in
// registration order. Handler failures are collected; one handler failing
// or panicking never prevents the others from running. Zero handlers is a
// success. Context cancellation stops the fan-out with KindCancelled.
func Publish(ctx context.Context, m *Mediator, evt any) result.Result[result.Void] {
	if evt == nil {
		return result.Fail[result.Void](result.Validationf("cannot publish a nil event"))
	}
	entries, body, typeName := m.lookupEvent(evt)

	msg := Message{ID: m.ids.Next(), Kind: KindEvent, Type: typeName, Body: body}
	ctx = withMessage(ctx, msg)

	r := runGuarded(ctx, m.compose(nil, msg, func(ctx context.Context) result.Result[any] {
		return fanOut(ctx, entries, body, typeName)
	}))
	if r.Failed() {
		return result.Fail[result.Void](r.Err())
	}
	return result.Done()
}

func fanOut(ctx context.Context, entries []*eventEntry, evt any, typeName string) result.Result[any] {
	var failures []HandlerFailure
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return result.Fail[any](result.Wrapf(result.KindCancelled, err,
				"publishing %s interrupted", typeName))
		}
		if err := e.invoke(ctx, evt); err != nil {
			failures = append(failures, HandlerFailure{Handler: e.name, Err: err})
		}
	}
	if len(failures) > 0 {
		return result.Fail[any](&PublishError{
			EventType: typeName,
			Handlers:  len(entries),
			Failures:  failures,
		})
	}
	return result.OK[any](result.Void{})
}

// lookupRequest resolves the entry for req's type, dereferencing a pointer
// when the handler was registered for the element type.
func (m *Mediator) lookupRequest(req any) (*requestEntry, any, bool) {
	rt := reflect.TypeOf(req)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.requests[rt]; ok {
		return e, req, true
	}
	if rt.Kind() == reflect.Pointer {
		if e, ok := m.requests[rt.Elem()]; ok {
			return e, reflect.ValueOf(req).Elem().Interface(), true
		}
	}
	return nil, nil, false
}

// lookupEvent resolves the handlers for evt's type with the same pointer
// normalization as requests.
func (m *Mediator) lookupEvent(evt any) ([]*eventEntry, any, string) {
	rt := reflect.TypeOf(evt)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if es, ok := m.events[rt]; ok {
		return es, evt, rt.String()
	}
	if rt.Kind() == reflect.Pointer {
		if es, ok := m.events[rt.Elem()]; ok {
			return es, reflect.ValueOf(evt).Elem().Interface(), rt.Elem().String()
		}
	}
	return nil, evt, rt.String()
}

// runGuarded executes the composed chain, converting panics anywhere in
// behaviors or handlers into KindFatal failures.
func runGuarded(ctx context.Context, next Next) (r result.Result[any]) {
	defer func() {
		if rec := recover(); rec != nil {
			r = result.Fail[any](result.FromPanic(rec))
		}
	}()
	return next(ctx)
}

// HandlerFailure records one event handler's failure during Publish.
type HandlerFailure struct {
	// Handler names the failing handler type.
	Handler string
	// Err is the failure, kinded when the handler produced one.
	Err error
}

// PublishError aggregates the handler failures of one Publish call.
type PublishError struct {
	// EventType names the published event type.
	EventType string
	// Handlers is the number of handlers the event fanned out to.
	Handlers int
	// Failures lists the handlers that failed, in registration order.
	Failures []HandlerFailure
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	return fmt.Sprintf("%d of %d handlers failed for %s (first: %v)",
		len(e.Failures), e.Handlers, e.EventType, e.Failures[0].Err)
}

// Unwrap exposes every handler failure to errors.Is and errors.As.
func (e *PublishError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

type messageKey struct{}

func withMessage(ctx context.Context, msg Message) context.Context {
	return context.WithValue(ctx, messageKey{}, msg)
}

// FromContext returns the in-flight message placed in ctx by Send or
// Publish.
func FromContext(ctx context.Context) (Message, bool) {
	msg, ok := ctx.Value(messageKey{}).(Message)
	return msg, ok
}

// MessageID returns the id of the in-flight message, or zero when ctx does
// not carry one.
func MessageID(ctx context.Context) msgid.ID {
	msg, _ := FromContext(ctx)
	return msg.ID
}
