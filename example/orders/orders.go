// Package orders wires the runtime into a small but complete ordering
// system: commands dispatched through the mediator append events to the
// log, a projection folds them into a queryable read model, and a checkout
// flow drives the whole lifecycle as a compensable saga. Everything runs on
// the in-memory backends, so the package doubles as executable
// documentation; the e2e test walks every path.
package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/result"
)

// creditLimit is the example's stand-in for a payment gateway decision:
// payments above it are declined, which is what sends a checkout down the
// compensation path.
const creditLimit = 10_000

const streamPrefix = "Order-"

// StreamID returns the event stream holding an order's history.
func StreamID(orderID string) string { return streamPrefix + orderID }

type (
	// CreateOrder opens a new order for a customer. The handler assigns
	// the order id.
	CreateOrder struct {
		Customer string `json:"customer"`
		Amount   int64  `json:"amount"`
	}

	// PayOrder records payment of an existing order.
	PayOrder struct {
		OrderID string `json:"order_id"`
	}

	// ShipOrder marks a paid order as shipped.
	ShipOrder struct {
		OrderID string `json:"order_id"`
	}

	// CancelOrder voids an order that has not shipped. The checkout flow
	// sends it to compensate a created order when a later step fails.
	CancelOrder struct {
		OrderID string `json:"order_id"`
		Reason  string `json:"reason"`
	}

	// GetOrder reads one order from the read model.
	GetOrder struct {
		OrderID string `json:"order_id"`
	}

	// OrderRef is the response of every write command: the order id and
	// the stream version the command produced.
	OrderRef struct {
		OrderID string `json:"order_id"`
		Version int64  `json:"version"`
	}
)

type (
	// OrderCreated opens an order stream.
	OrderCreated struct {
		OrderID  string `json:"order_id"`
		Customer string `json:"customer"`
		Amount   int64  `json:"amount"`
	}

	// OrderPaid records a successful payment.
	OrderPaid struct {
		OrderID string `json:"order_id"`
	}

	// OrderShipped records the handover to fulfilment.
	OrderShipped struct {
		OrderID string `json:"order_id"`
	}

	// OrderCancelled voids the order.
	OrderCancelled struct {
		OrderID string `json:"order_id"`
		Reason  string `json:"reason"`
	}
)

// RegisterEventTypes binds the order events to their stable wire names.
func RegisterEventTypes(reg *codec.Registry) error {
	if err := codec.RegisterType[OrderCreated](reg, "orders.created"); err != nil {
		return err
	}
	if err := codec.RegisterType[OrderPaid](reg, "orders.paid"); err != nil {
		return err
	}
	if err := codec.RegisterType[OrderShipped](reg, "orders.shipped"); err != nil {
		return err
	}
	return codec.RegisterType[OrderCancelled](reg, "orders.cancelled")
}

// Validate implements mediator.Validator.
func (c CreateOrder) Validate() error {
	if c.Customer == "" {
		return errors.New("customer is required")
	}
	if c.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", c.Amount)
	}
	return nil
}

// Validate implements mediator.Validator.
func (c PayOrder) Validate() error { return requireOrderID(c.OrderID) }

// Validate implements mediator.Validator.
func (c ShipOrder) Validate() error { return requireOrderID(c.OrderID) }

// Validate implements mediator.Validator.
func (c CancelOrder) Validate() error { return requireOrderID(c.OrderID) }

// Validate implements mediator.Validator.
func (q GetOrder) Validate() error { return requireOrderID(q.OrderID) }

func requireOrderID(id string) error {
	if id == "" {
		return errors.New("order id is required")
	}
	return nil
}

// order is the decision model folded from an order's stream. Handlers
// rebuild it before every append; the version the fold was taken at rides
// along as the expected version, so concurrent writers conflict instead of
// interleaving.
type order struct {
	customer  string
	amount    int64
	paid      bool
	shipped   bool
	cancelled bool
}

func (o order) apply(env eventstore.EventEnvelope) order {
	switch e := env.Event.(type) {
	case OrderCreated:
		o.customer = e.Customer
		o.amount = e.Amount
	case OrderPaid:
		o.paid = true
	case OrderShipped:
		o.shipped = true
	case OrderCancelled:
		o.cancelled = true
	}
	return o
}

// Handlers processes the write commands against the event log.
type Handlers struct {
	store eventstore.Store
	newID func() string
}

// NewHandlers returns command handlers appending to store.
func NewHandlers(store eventstore.Store) *Handlers {
	return &Handlers{store: store, newID: uuid.NewString}
}

// Create handles CreateOrder: a fresh id, a fresh stream.
func (h *Handlers) Create(ctx context.Context, cmd CreateOrder) result.Result[OrderRef] {
	id := h.newID()
	evt := OrderCreated{OrderID: id, Customer: cmd.Customer, Amount: cmd.Amount}
	v, err := h.store.Append(ctx, StreamID(id), []any{evt}, 0)
	if err != nil {
		return result.Fail[OrderRef](err)
	}
	return result.OK(OrderRef{OrderID: id, Version: v})
}

// Pay handles PayOrder. Payments above the credit limit are declined.
func (h *Handlers) Pay(ctx context.Context, cmd PayOrder) result.Result[OrderRef] {
	o, version, err := h.load(ctx, cmd.OrderID)
	if err != nil {
		return result.Fail[OrderRef](err)
	}
	switch {
	case version == 0:
		return result.Failf[OrderRef](result.KindNotFound, "order %q not found", cmd.OrderID)
	case o.cancelled:
		return result.Failf[OrderRef](result.KindConflict, "order %q is cancelled", cmd.OrderID)
	case o.paid:
		return result.Failf[OrderRef](result.KindConflict, "order %q is already paid", cmd.OrderID)
	case o.amount > creditLimit:
		return result.Failf[OrderRef](result.KindValidation,
			"payment of %d declined: exceeds credit limit %d", o.amount, creditLimit)
	}
	return h.append(ctx, cmd.OrderID, OrderPaid{OrderID: cmd.OrderID}, version)
}

// Ship handles ShipOrder. Only paid, uncancelled orders ship.
func (h *Handlers) Ship(ctx context.Context, cmd ShipOrder) result.Result[OrderRef] {
	o, version, err := h.load(ctx, cmd.OrderID)
	if err != nil {
		return result.Fail[OrderRef](err)
	}
	switch {
	case version == 0:
		return result.Failf[OrderRef](result.KindNotFound, "order %q not found", cmd.OrderID)
	case o.cancelled:
		return result.Failf[OrderRef](result.KindConflict, "order %q is cancelled", cmd.OrderID)
	case o.shipped:
		return result.Failf[OrderRef](result.KindConflict, "order %q already shipped", cmd.OrderID)
	case !o.paid:
		return result.Failf[OrderRef](result.KindConflict, "order %q is not paid", cmd.OrderID)
	}
	return h.append(ctx, cmd.OrderID, OrderShipped{OrderID: cmd.OrderID}, version)
}

// Cancel handles CancelOrder. Cancelling an already cancelled order is a
// no-op, so a re-run compensation cannot fail; shipped orders refuse.
func (h *Handlers) Cancel(ctx context.Context, cmd CancelOrder) result.Result[OrderRef] {
	o, version, err := h.load(ctx, cmd.OrderID)
	if err != nil {
		return result.Fail[OrderRef](err)
	}
	switch {
	case version == 0:
		return result.Failf[OrderRef](result.KindNotFound, "order %q not found", cmd.OrderID)
	case o.shipped:
		return result.Failf[OrderRef](result.KindConflict, "order %q already shipped", cmd.OrderID)
	case o.cancelled:
		return result.OK(OrderRef{OrderID: cmd.OrderID, Version: version})
	}
	return h.append(ctx, cmd.OrderID, OrderCancelled{OrderID: cmd.OrderID, Reason: cmd.Reason}, version)
}

func (h *Handlers) load(ctx context.Context, orderID string) (order, int64, error) {
	stream, err := h.store.Read(ctx, StreamID(orderID), 1, 0)
	if err != nil {
		return order{}, 0, err
	}
	var o order
	for _, env := range stream.Events {
		o = o.apply(env)
	}
	return o, stream.Version, nil
}

func (h *Handlers) append(ctx context.Context, orderID string, evt any, expected int64) result.Result[OrderRef] {
	v, err := h.store.Append(ctx, StreamID(orderID), []any{evt}, expected)
	if err != nil {
		return result.Fail[OrderRef](err)
	}
	return result.OK(OrderRef{OrderID: orderID, Version: v})
}

// Queries answers reads from the projection's read model. Reads never
// touch the event log.
type Queries struct {
	orders *OrderProjection
}

// NewQueries returns query handlers over the given read model.
func NewQueries(p *OrderProjection) *Queries {
	return &Queries{orders: p}
}

// Get handles GetOrder.
func (q *Queries) Get(ctx context.Context, query GetOrder) result.Result[OrderView] {
	view, ok := q.orders.Get(query.OrderID)
	if !ok {
		return result.Failf[OrderView](result.KindNotFound, "order %q not found", query.OrderID)
	}
	return result.OK(view)
}
