package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rillflow/rill/runtime/result"
)

// Status is the lifecycle state of a flow instance.
type Status string

const (
	// StatusRunning marks an instance with work left, including one parked
	// by cancellation.
	StatusRunning Status = "running"
	// StatusSucceeded marks an instance that completed every node.
	StatusSucceeded Status = "succeeded"
	// StatusFailed marks an instance stopped by a step failure with no
	// compensation to run. Failed instances can be resumed.
	StatusFailed Status = "failed"
	// StatusCompensating marks an instance unwinding completed steps.
	StatusCompensating Status = "compensating"
	// StatusCompensated marks an instance whose compensations finished.
	StatusCompensated Status = "compensated"
)

// Terminal reports whether the status admits no further execution.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusCompensated
}

// LoopFrame is the durable progress of one ForEach node. Items freezes the
// sequence at loop entry so mutations mid-iteration cannot change it; Done
// marks completed item ordinals; Failed records item errors when the loop
// continues on failure.
type LoopFrame struct {
	Items  []json.RawMessage `json:"items"`
	Types  []string          `json:"types,omitempty"`
	Done   map[int]bool      `json:"done,omitempty"`
	Failed map[int]string    `json:"failed,omitempty"`
}

// done reports whether item i already ran. A nil frame (non-durable loop)
// tracks nothing.
func (f *LoopFrame) done(i int) bool {
	return f != nil && f.Done[i]
}

func (f *LoopFrame) markDone(i int) {
	if f == nil {
		return
	}
	if f.Done == nil {
		f.Done = make(map[int]bool)
	}
	f.Done[i] = true
}

// markFailed records the item error and marks the ordinal handled so a
// resume does not re-run it.
func (f *LoopFrame) markFailed(i int, err error) {
	if f == nil {
		return
	}
	if f.Failed == nil {
		f.Failed = make(map[int]string)
	}
	f.Failed[i] = err.Error()
	f.markDone(i)
}

// Snapshot is the durable record of one flow instance. Position addresses
// the node that executes next; Completed lists finished step names in
// completion order and drives compensation; Loops holds the frames of
// ForEach nodes still in flight.
type Snapshot[S State] struct {
	FlowID    string                `json:"flow_id"`
	Flow      string                `json:"flow"`
	State     S                     `json:"state"`
	Position  []int                 `json:"position"`
	Status    Status                `json:"status"`
	LastError string                `json:"last_error,omitempty"`
	Attempts  int                   `json:"attempts,omitempty"`
	Completed []string              `json:"completed,omitempty"`
	Loops     map[string]*LoopFrame `json:"loops,omitempty"`
	StartedAt time.Time             `json:"started_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Store persists flow snapshots keyed by flow id. Each flow instance has a
// single writer, so stores need no optimistic concurrency; they must however
// serialize Save and Load across instances. Stores may consult
// State.HasChanges to skip rewriting an unchanged state blob, as long as
// position and status are always written.
type Store[S State] interface {
	Save(ctx context.Context, snap *Snapshot[S]) error
	Load(ctx context.Context, flowID string) (*Snapshot[S], error)
	Delete(ctx context.Context, flowID string) error
}

// NotFoundError reports a flow id with no persisted snapshot.
type NotFoundError struct {
	FlowID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("flow %q not found", e.FlowID)
}

// ResultKind classifies the error for the result taxonomy.
func (e *NotFoundError) ResultKind() result.Kind { return result.KindNotFound }
