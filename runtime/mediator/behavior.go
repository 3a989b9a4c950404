package mediator

import (
	"context"

	"github.com/rillflow/rill/runtime/result"
)

type (
	// Next continues the pipeline toward the handler. Behaviors may call
	// it zero times (short-circuit), once (the normal case), or several
	// times (retries).
	Next func(ctx context.Context) result.Result[any]

	// Behavior wraps dispatch with cross-cutting logic. Behaviors see the
	// type-erased message and must not mutate its body.
	Behavior interface {
		// Name identifies the behavior in logs and errors.
		Name() string
		// Handle processes the message, usually delegating to next.
		Handle(ctx context.Context, msg Message, next Next) result.Result[any]
	}

	behaviorEntry struct {
		order int
		seq   int
		b     Behavior
	}
)

// insertBehavior keeps entries sorted by (order, seq) so iteration order is
// the pipeline order, outermost first.
func insertBehavior(entries []behaviorEntry, e behaviorEntry) []behaviorEntry {
	i := len(entries)
	for i > 0 {
		prev := entries[i-1]
		if prev.order < e.order || (prev.order == e.order && prev.seq < e.seq) {
			break
		}
		i--
	}
	entries = append(entries, behaviorEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

// compose nests the global pipeline around perType behaviors around
// terminal. The first global behavior is the outermost wrapper.
func (m *Mediator) compose(perType []behaviorEntry, msg Message, terminal Next) Next {
	m.mu.RLock()
	global := m.behaviors
	m.mu.RUnlock()

	next := terminal
	for i := len(perType) - 1; i >= 0; i-- {
		next = wrap(perType[i].b, msg, next)
	}
	for i := len(global) - 1; i >= 0; i-- {
		next = wrap(global[i].b, msg, next)
	}
	return next
}

func wrap(b Behavior, msg Message, inner Next) Next {
	return func(ctx context.Context) result.Result[any] {
		return b.Handle(ctx, msg, inner)
	}
}
