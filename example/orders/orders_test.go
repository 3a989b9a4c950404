package orders

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillflow/rill/runtime/flow"
	"github.com/rillflow/rill/runtime/mediator"
	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := NewAppWithLogger(telemetry.NewNoopLogger())
	require.NoError(t, err)
	return app
}

func createOrder(t *testing.T, app *App, customer string, amount int64) OrderRef {
	t.Helper()
	res := mediator.Send[OrderRef](context.Background(), app.Mediator, CreateOrder{Customer: customer, Amount: amount})
	require.True(t, res.IsOK(), "create order: %v", res.Err())
	require.NotEmpty(t, res.Value().OrderID)
	return res.Value()
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)

	ref := createOrder(t, app, "acme", 100)
	require.Equal(t, int64(1), ref.Version)

	paid, err := mediator.Send[OrderRef](ctx, app.Mediator, PayOrder{OrderID: ref.OrderID}).Get()
	require.NoError(t, err)
	require.Equal(t, int64(2), paid.Version)

	shipped, err := mediator.Send[OrderRef](ctx, app.Mediator, ShipOrder{OrderID: ref.OrderID}).Get()
	require.NoError(t, err)
	require.Equal(t, int64(3), shipped.Version)

	version, err := app.Events.StreamVersion(ctx, StreamID(ref.OrderID))
	require.NoError(t, err)
	require.Equal(t, int64(3), version)

	require.NoError(t, app.Sync(ctx))
	view, err := mediator.Send[OrderView](ctx, app.Mediator, GetOrder{OrderID: ref.OrderID}).Get()
	require.NoError(t, err)
	assert.Equal(t, OrderView{
		OrderID:  ref.OrderID,
		Customer: "acme",
		Amount:   100,
		Status:   StatusShipped,
		Version:  3,
	}, view)
}

func TestCommandValidation(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)

	cases := []struct {
		name string
		req  any
	}{
		{"create without customer", CreateOrder{Amount: 50}},
		{"create with zero amount", CreateOrder{Customer: "acme"}},
		{"pay without order id", PayOrder{}},
		{"ship without order id", ShipOrder{}},
		{"cancel without order id", CancelOrder{Reason: "typo"}},
		{"get without order id", GetOrder{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := app.Mediator.Dispatch(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, result.KindValidation, result.KindOf(err))
		})
	}
}

func TestLifecycleGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("pay unknown order", func(t *testing.T) {
		app := newTestApp(t)
		err := mediator.Send[OrderRef](ctx, app.Mediator, PayOrder{OrderID: "nope"}).Err()
		require.Equal(t, result.KindNotFound, result.KindOf(err))
	})

	t.Run("pay twice", func(t *testing.T) {
		app := newTestApp(t)
		ref := createOrder(t, app, "acme", 100)
		require.True(t, mediator.Send[OrderRef](ctx, app.Mediator, PayOrder{OrderID: ref.OrderID}).IsOK())

		err := mediator.Send[OrderRef](ctx, app.Mediator, PayOrder{OrderID: ref.OrderID}).Err()
		require.Equal(t, result.KindConflict, result.KindOf(err))
	})

	t.Run("ship before payment", func(t *testing.T) {
		app := newTestApp(t)
		ref := createOrder(t, app, "acme", 100)
		err := mediator.Send[OrderRef](ctx, app.Mediator, ShipOrder{OrderID: ref.OrderID}).Err()
		require.Equal(t, result.KindConflict, result.KindOf(err))
	})

	t.Run("cancel shipped order", func(t *testing.T) {
		app := newTestApp(t)
		ref := createOrder(t, app, "acme", 100)
		require.True(t, mediator.Send[OrderRef](ctx, app.Mediator, PayOrder{OrderID: ref.OrderID}).IsOK())
		require.True(t, mediator.Send[OrderRef](ctx, app.Mediator, ShipOrder{OrderID: ref.OrderID}).IsOK())

		err := mediator.Send[OrderRef](ctx, app.Mediator, CancelOrder{OrderID: ref.OrderID, Reason: "too late"}).Err()
		require.Equal(t, result.KindConflict, result.KindOf(err))
	})

	t.Run("payment above the credit limit declines", func(t *testing.T) {
		app := newTestApp(t)
		ref := createOrder(t, app, "acme", creditLimit+1)
		err := mediator.Send[OrderRef](ctx, app.Mediator, PayOrder{OrderID: ref.OrderID}).Err()
		require.Equal(t, result.KindValidation, result.KindOf(err))
		assert.Contains(t, err.Error(), "declined")
	})
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)
	ref := createOrder(t, app, "acme", 100)

	first, err := mediator.Send[OrderRef](ctx, app.Mediator, CancelOrder{OrderID: ref.OrderID, Reason: "changed mind"}).Get()
	require.NoError(t, err)
	require.Equal(t, int64(2), first.Version)

	again, err := mediator.Send[OrderRef](ctx, app.Mediator, CancelOrder{OrderID: ref.OrderID, Reason: "still cancelled"}).Get()
	require.NoError(t, err)
	assert.Equal(t, first, again)

	version, err := app.Events.StreamVersion(ctx, StreamID(ref.OrderID))
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestCheckoutHappyPath(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)

	state := &CheckoutState{ID: "chk-1", Customer: "acme", Amount: 100}
	snap, err := app.Checkout.Start(ctx, state)
	require.NoError(t, err)
	require.Equal(t, flow.StatusSucceeded, snap.Status)
	assert.Equal(t, []string{"hold-stock", "create-order", "charge-payment", "ship-order", "notify-customer"}, snap.Completed)

	require.NotEmpty(t, snap.State.OrderID)
	assert.True(t, snap.State.StockHeld)
	assert.False(t, snap.State.NeedsReview)
	assert.True(t, snap.State.Notified)

	require.NoError(t, app.Sync(ctx))
	view, err := mediator.Send[OrderView](ctx, app.Mediator, GetOrder{OrderID: snap.State.OrderID}).Get()
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, view.Status)
	assert.Equal(t, int64(3), view.Version)
}

func TestCheckoutFlagsHighValueOrders(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)

	state := &CheckoutState{ID: "chk-2", Customer: "acme", Amount: reviewThreshold}
	snap, err := app.Checkout.Start(ctx, state)
	require.NoError(t, err)
	require.Equal(t, flow.StatusSucceeded, snap.Status)

	assert.True(t, snap.State.NeedsReview)
	assert.Equal(t, []string{"hold-stock", "create-order", "charge-payment", "flag-review", "ship-order", "notify-customer"}, snap.Completed)

	require.NoError(t, app.Sync(ctx))
	view, ok := app.Orders.Get(snap.State.OrderID)
	require.True(t, ok)
	assert.Equal(t, StatusShipped, view.Status)
}

func TestCheckoutCompensatesDeclinedPayment(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)

	state := &CheckoutState{ID: "chk-3", Customer: "acme", Amount: creditLimit + 1}
	snap, err := app.Checkout.Start(ctx, state)
	require.NoError(t, err)
	require.Equal(t, flow.StatusCompensated, snap.Status)
	assert.Contains(t, snap.LastError, `step "charge-payment"`)
	assert.Contains(t, snap.LastError, "declined")
	assert.Empty(t, snap.Completed)

	assert.False(t, snap.State.StockHeld, "compensation must release held stock")
	require.NotEmpty(t, snap.State.OrderID)

	stream, err := app.Events.Read(ctx, StreamID(snap.State.OrderID), 1, 0)
	require.NoError(t, err)
	require.Len(t, stream.Events, 2)
	assert.Equal(t, "orders.created", stream.Events[0].Type)
	assert.Equal(t, "orders.cancelled", stream.Events[1].Type)

	require.NoError(t, app.Sync(ctx))
	view, ok := app.Orders.Get(snap.State.OrderID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, view.Status)
}

func TestServeKeepsReadModelFresh(t *testing.T) {
	app := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	ref := createOrder(t, app, "acme", 100)
	require.Eventually(t, func() bool {
		view, ok := app.Orders.Get(ref.OrderID)
		return ok && view.Status == StatusCreated
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve did not stop on cancellation")
	}
}
