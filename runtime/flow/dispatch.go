package flow

import "context"

// Dispatcher routes a request built by a send node to its handler and
// returns the response. *mediator.Mediator satisfies it; the indirection
// keeps the engine independent of the mediator package so either can be
// tested without the other.
type Dispatcher interface {
	Dispatch(ctx context.Context, req any) (any, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req any) (any, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, req any) (any, error) {
	return f(ctx, req)
}
