package orders

import (
	"context"
	"sort"
	"sync"

	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/projection"
)

// Read-model statuses of an order.
const (
	StatusCreated   = "Created"
	StatusPaid      = "Paid"
	StatusShipped   = "Shipped"
	StatusCancelled = "Cancelled"
)

// OrderView is the read model's row for one order.
type OrderView struct {
	OrderID  string `json:"order_id"`
	Customer string `json:"customer"`
	Amount   int64  `json:"amount"`
	Status   string `json:"status"`
	Version  int64  `json:"version"`
}

// OrderProjection folds order events into per-order views. A
// projection.Runner drives it from the event log; readers query it
// concurrently, so access is locked.
type OrderProjection struct {
	mu    sync.RWMutex
	views map[string]OrderView
}

var _ projection.Projection = (*OrderProjection)(nil)

// NewOrderProjection returns an empty read model.
func NewOrderProjection() *OrderProjection {
	return &OrderProjection{views: make(map[string]OrderView)}
}

// Name implements projection.Projection.
func (p *OrderProjection) Name() string { return "orders" }

// Apply implements projection.Projection. Events of other aggregates pass
// through untouched.
func (p *OrderProjection) Apply(ctx context.Context, env eventstore.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e := env.Event.(type) {
	case OrderCreated:
		p.views[e.OrderID] = OrderView{
			OrderID:  e.OrderID,
			Customer: e.Customer,
			Amount:   e.Amount,
			Status:   StatusCreated,
			Version:  env.Version,
		}
	case OrderPaid:
		p.transition(e.OrderID, StatusPaid, env.Version)
	case OrderShipped:
		p.transition(e.OrderID, StatusShipped, env.Version)
	case OrderCancelled:
		p.transition(e.OrderID, StatusCancelled, env.Version)
	}
	return nil
}

// transition moves an existing view to status. A missing view means the
// log was folded out of order; the envelope is dropped rather than
// inventing a row without its creation data.
func (p *OrderProjection) transition(orderID, status string, version int64) {
	v, ok := p.views[orderID]
	if !ok {
		return
	}
	v.Status = status
	v.Version = version
	p.views[orderID] = v
}

// Reset implements projection.Projection.
func (p *OrderProjection) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.views = make(map[string]OrderView)
	return nil
}

// Get returns the view of one order.
func (p *OrderProjection) Get(orderID string) (OrderView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.views[orderID]
	return v, ok
}

// List returns every view ordered by order id.
func (p *OrderProjection) List() []OrderView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]OrderView, 0, len(p.views))
	for _, v := range p.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}
