// Package outbox implements the transactional outbox pattern: handlers add
// messages next to their state changes, and a processor later delivers them
// to the external transport with at-least-once semantics. Receivers are
// expected to deduplicate by message id, typically with an inbox.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rillflow/rill/runtime/result"
)

// Message is one outbox row.
type Message struct {
	// ID uniquely identifies the message; receivers dedupe on it.
	ID string `json:"id"`
	// Type is the message type name used by receivers to decode Payload.
	Type string `json:"type"`
	// Payload is the serialized message body.
	Payload []byte `json:"payload"`
	// PartitionKey groups messages whose relative order must survive
	// dispatch, typically the source stream id. Empty means best-effort
	// FIFO only.
	PartitionKey string `json:"partition_key,omitempty"`
	// CreatedAt orders pending messages.
	CreatedAt time.Time `json:"created_at"`
	// ProcessedAt is set once the message was delivered or dead-lettered.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	// Attempts counts failed deliveries.
	Attempts int `json:"attempts"`
}

// MessageOption tunes a new message.
type MessageOption func(*Message)

// WithPartitionKey sets the ordering key, typically the source stream id.
func WithPartitionKey(key string) MessageOption {
	return func(m *Message) { m.PartitionKey = key }
}

// WithID overrides the generated message id. Callers deriving ids from the
// source event keep redeliveries deduplicatable across process restarts.
func WithID(id string) MessageOption {
	return func(m *Message) { m.ID = id }
}

// NewMessage returns a message carrying payload, stamped with a fresh uuid
// and the current time.
func NewMessage(msgType string, payload []byte, opts ...MessageOption) Message {
	m := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Store is the outbox table. Add runs inside the caller's unit of work;
// the processor drives the rest.
type Store interface {
	// Add inserts a message. A duplicate id is a conflict.
	Add(ctx context.Context, msg Message) error

	// GetPending returns up to limit unprocessed messages, FIFO by
	// CreatedAt then ID.
	GetPending(ctx context.Context, limit int) ([]Message, error)

	// MarkAsProcessed flags a message delivered. Marking an unknown or
	// already-processed id is a no-op: the processor may ack twice after
	// a crash.
	MarkAsProcessed(ctx context.Context, id string) error

	// IncrementAttempts bumps the failure counter and returns the new
	// value.
	IncrementAttempts(ctx context.Context, id string) (int, error)
}

// NotFoundError reports an outbox id with no row.
type NotFoundError struct {
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("outbox message %q not found", e.ID)
}

// ResultKind classifies the error for the result taxonomy.
func (e *NotFoundError) ResultKind() result.Kind { return result.KindNotFound }
