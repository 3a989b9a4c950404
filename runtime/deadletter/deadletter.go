// Package deadletter parks messages that exhausted their delivery attempts
// so operators can inspect, replay, or retire them. Letters are keyed by
// origin queue and message id.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/rillflow/rill/runtime/result"
)

// DeadLetter is one parked message.
type DeadLetter struct {
	// MessageID is the id the message carried on its origin queue.
	MessageID string `json:"message_id"`
	// OriginQueue names the queue or outbox the message failed on.
	OriginQueue string `json:"origin_queue"`
	// Payload is the message body, untouched.
	Payload []byte `json:"payload"`
	// Reason is the error string of the final failed attempt.
	Reason string `json:"reason"`
	// FailedAt is when the message was parked.
	FailedAt time.Time `json:"failed_at"`
	// RetryCount is the number of delivery attempts made before parking.
	RetryCount int `json:"retry_count"`
	// Permanent marks letters an operator retired; they refuse Requeue.
	Permanent bool `json:"permanent"`
	// Headers carries transport metadata useful for replay, such as the
	// message type and partition key.
	Headers map[string]string `json:"headers,omitempty"`
}

// Store persists dead letters. Add upserts by (OriginQueue, MessageID) so a
// poison message redelivered across processor restarts lands once, with the
// latest reason and retry count.
type Store interface {
	Add(ctx context.Context, letter DeadLetter) error

	// List returns letters of one queue ordered by FailedAt then
	// MessageID, skipping offset and returning at most limit.
	List(ctx context.Context, queue string, offset, limit int) ([]DeadLetter, error)

	Remove(ctx context.Context, queue, messageID string) error

	// MarkPermanent retires a letter: it stays browsable but refuses
	// Requeue.
	MarkPermanent(ctx context.Context, queue, messageID string) error

	// Requeue removes the letter and returns it for replay. Permanent
	// letters fail with a conflict.
	Requeue(ctx context.Context, queue, messageID string) (DeadLetter, error)
}

// NotFoundError reports a letter missing from the store.
type NotFoundError struct {
	Queue     string
	MessageID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("dead letter %q not found on queue %q", e.MessageID, e.Queue)
}

// ResultKind classifies the error for the result taxonomy.
func (e *NotFoundError) ResultKind() result.Kind { return result.KindNotFound }
