package orders

import (
	"context"

	"github.com/rillflow/rill/runtime/flow"
	"github.com/rillflow/rill/runtime/mediator"
)

// reviewThreshold routes high-value checkouts through the review detour.
const reviewThreshold = 1_000

// CheckoutState carries one checkout through the flow. The order id is
// assigned by the create-order send and consumed by every later node.
type CheckoutState struct {
	flow.Changes

	ID       string `json:"id"`
	Customer string `json:"customer"`
	Amount   int64  `json:"amount"`

	OrderID     string `json:"order_id,omitempty"`
	StockHeld   bool   `json:"stock_held,omitempty"`
	NeedsReview bool   `json:"needs_review,omitempty"`
	Notified    bool   `json:"notified,omitempty"`
}

// FlowID implements flow.State.
func (s *CheckoutState) FlowID() string { return s.ID }

// NewCheckoutFlow declares the checkout saga. Stock is held locally with a
// releasing compensation; order creation and payment dispatch commands
// through m, and a created order is cancelled when a later step fails;
// high-value checkouts take a review detour before shipping.
func NewCheckoutFlow(m *mediator.Mediator) (*flow.Flow[*CheckoutState], error) {
	b := flow.New[*CheckoutState]("checkout")

	b.Step("hold-stock", func(ctx context.Context, s *CheckoutState) error {
		s.StockHeld = true
		s.MarkChanged("stock_held")
		return nil
	}).Compensate(func(ctx context.Context, s *CheckoutState) error {
		s.StockHeld = false
		s.MarkChanged("stock_held")
		return nil
	})

	flow.Send[*CheckoutState, CreateOrder, OrderRef](b, "create-order",
		func(s *CheckoutState) CreateOrder {
			return CreateOrder{Customer: s.Customer, Amount: s.Amount}
		},
		func(s *CheckoutState, ref OrderRef) {
			s.OrderID = ref.OrderID
			s.MarkChanged("order_id")
		})
	b.Compensate(func(ctx context.Context, s *CheckoutState) error {
		if s.OrderID == "" {
			return nil
		}
		_, err := m.Dispatch(ctx, CancelOrder{OrderID: s.OrderID, Reason: "checkout failed"})
		return err
	})

	flow.Send[*CheckoutState, PayOrder, OrderRef](b, "charge-payment",
		func(s *CheckoutState) PayOrder { return PayOrder{OrderID: s.OrderID} },
		nil)

	b.If("high-value", func(s *CheckoutState) bool { return s.Amount >= reviewThreshold },
		func(b *flow.Builder[*CheckoutState]) {
			b.Step("flag-review", func(ctx context.Context, s *CheckoutState) error {
				s.NeedsReview = true
				s.MarkChanged("needs_review")
				return nil
			})
		})

	flow.Send[*CheckoutState, ShipOrder, OrderRef](b, "ship-order",
		func(s *CheckoutState) ShipOrder { return ShipOrder{OrderID: s.OrderID} },
		nil)

	b.Step("notify-customer", func(ctx context.Context, s *CheckoutState) error {
		s.Notified = true
		s.MarkChanged("notified")
		return nil
	})

	return b.Build()
}
