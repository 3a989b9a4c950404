// Package flow builds and executes durable workflows. A flow is declared
// once as a tree of named nodes (steps, sends, conditionals, loops, parallel
// blocks) and then executed per flow instance. The engine persists a
// snapshot of state plus a position into the tree at every step boundary, so
// a crashed or failed instance resumes where it stopped instead of starting
// over. Positions address nodes by child ordinal only; step bodies stay
// in-process and are never serialized.
package flow

// State is the mutable instance data a flow executes over. Implementations
// are typically pointer types so step bodies observe each other's writes.
// Flow state is single-writer per instance: the engine never mutates it
// concurrently, but parallel branches and loop bodies share it and must
// confine themselves to disjoint fields or synchronize on their own.
type State interface {
	// FlowID identifies the flow instance and keys its snapshots.
	FlowID() string

	// HasChanges reports whether state changed since the last snapshot.
	HasChanges() bool

	// ChangedFields lists the fields marked changed, in mark order.
	ChangedFields() []string

	// MarkChanged records fields as dirty for the next snapshot.
	MarkChanged(fields ...string)

	// ClearChanges resets the dirty set. The engine calls this after every
	// successful snapshot save.
	ClearChanges()
}

// Changes implements the change-tracking half of State and is meant to be
// embedded in state structs. The zero value is ready to use. It is not
// synchronized; parallel step bodies marking fields must hold their own
// lock.
type Changes struct {
	changed []string
}

// HasChanges implements State.
func (c *Changes) HasChanges() bool { return len(c.changed) > 0 }

// ChangedFields implements State.
func (c *Changes) ChangedFields() []string {
	if len(c.changed) == 0 {
		return nil
	}
	out := make([]string, len(c.changed))
	copy(out, c.changed)
	return out
}

// MarkChanged implements State. Duplicate fields are recorded once.
func (c *Changes) MarkChanged(fields ...string) {
	for _, f := range fields {
		if !c.marked(f) {
			c.changed = append(c.changed, f)
		}
	}
}

// ClearChanges implements State.
func (c *Changes) ClearChanges() { c.changed = c.changed[:0] }

func (c *Changes) marked(field string) bool {
	for _, f := range c.changed {
		if f == field {
			return true
		}
	}
	return false
}
