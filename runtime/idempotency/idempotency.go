// Package idempotency persists request results keyed by request id, so a
// retried request replays its original response instead of re-executing.
// The mediator's idempotency behavior is the primary consumer; flow step
// bodies that need idempotent re-runs after a resume are the other.
package idempotency

import (
	"context"
	"time"
)

// Store records request results for later replay.
type Store interface {
	// Store records the result of requestID for ttl. Storing the same id
	// again overwrites the record and refreshes its expiry. A ttl of zero
	// or less retains the record until the backend evicts it.
	Store(ctx context.Context, requestID string, result []byte, ttl time.Duration) error

	// IsProcessed reports whether requestID has an unexpired record.
	IsProcessed(ctx context.Context, requestID string) (bool, error)

	// Get returns the recorded result and whether one exists.
	Get(ctx context.Context, requestID string) ([]byte, bool, error)
}
