package orders

import (
	"context"

	"github.com/rillflow/rill/runtime/codec"
	esinmem "github.com/rillflow/rill/runtime/eventstore/inmem"
	"github.com/rillflow/rill/runtime/flow"
	flowinmem "github.com/rillflow/rill/runtime/flow/inmem"
	"github.com/rillflow/rill/runtime/mediator"
	"github.com/rillflow/rill/runtime/projection"
	cpinmem "github.com/rillflow/rill/runtime/projection/inmem"
	"github.com/rillflow/rill/runtime/telemetry"
)

// App bundles the example on in-memory backends: the event log, the
// mediator with its handlers and behaviors, the order read model with its
// runner, and the checkout flow engine. A durable deployment swaps the
// backends for their Redis or Mongo counterparts and keeps the wiring.
type App struct {
	Events   *esinmem.Store
	Mediator *mediator.Mediator
	Orders   *OrderProjection
	Checkout *flow.Engine[*CheckoutState]

	runner *projection.Runner
}

// NewApp wires the example with structured logging through clue.
func NewApp() (*App, error) {
	return NewAppWithLogger(telemetry.NewClueLogger())
}

// NewAppWithLogger wires the example logging through l. Tests pass the
// noop logger.
func NewAppWithLogger(l telemetry.Logger) (*App, error) {
	reg := codec.NewRegistry()
	if err := RegisterEventTypes(reg); err != nil {
		return nil, err
	}
	events := esinmem.New(esinmem.WithRegistry(reg))

	m := mediator.New(mediator.WithLogger(l))
	if err := mediator.RegisterBehavior(m, mediator.NewLoggingBehavior(l), mediator.OrderLogging); err != nil {
		return nil, err
	}
	if err := mediator.RegisterBehavior(m, mediator.NewValidationBehavior(), mediator.OrderValidation); err != nil {
		return nil, err
	}

	h := NewHandlers(events)
	if err := mediator.RegisterRequest(m, mediator.HandlerFunc[CreateOrder, OrderRef](h.Create)); err != nil {
		return nil, err
	}
	if err := mediator.RegisterRequest(m, mediator.HandlerFunc[PayOrder, OrderRef](h.Pay)); err != nil {
		return nil, err
	}
	if err := mediator.RegisterRequest(m, mediator.HandlerFunc[ShipOrder, OrderRef](h.Ship)); err != nil {
		return nil, err
	}
	if err := mediator.RegisterRequest(m, mediator.HandlerFunc[CancelOrder, OrderRef](h.Cancel)); err != nil {
		return nil, err
	}

	orders := NewOrderProjection()
	q := NewQueries(orders)
	if err := mediator.RegisterRequest(m, mediator.HandlerFunc[GetOrder, OrderView](q.Get)); err != nil {
		return nil, err
	}
	m.Freeze()

	runner := projection.NewRunner(orders, events, cpinmem.NewCheckpointStore(),
		projection.WithRunnerLogger(l))

	def, err := NewCheckoutFlow(m)
	if err != nil {
		return nil, err
	}
	engine, err := flow.NewEngine(def, flowinmem.New[*CheckoutState](),
		flow.WithDispatcher[*CheckoutState](m),
		flow.WithEngineLogger[*CheckoutState](l))
	if err != nil {
		return nil, err
	}

	return &App{
		Events:   events,
		Mediator: m,
		Orders:   orders,
		Checkout: engine,
		runner:   runner,
	}, nil
}

// Sync folds every event appended so far into the read model, then
// returns. Tests call it between writes and queries; a deployment runs
// Serve instead.
func (a *App) Sync(ctx context.Context) error {
	return a.runner.CatchUp(ctx)
}

// Serve tails the event log until ctx is done, keeping the read model
// fresh as commands append.
func (a *App) Serve(ctx context.Context) error {
	return a.runner.Run(ctx)
}
