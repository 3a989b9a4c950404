// Package inbox rejects duplicate inbound deliveries. The outbox gives
// at-least-once delivery; receivers that gate their effect behind TryStore
// get exactly-once effect within the retention window.
package inbox

import (
	"context"
	"time"
)

// Store is the dedupe ledger of consumed message ids.
type Store interface {
	// TryStore records messageID with retention ttl. It returns true only
	// for the first insertion; redeliveries within the ttl return false.
	// The check and the insert are atomic.
	TryStore(ctx context.Context, messageID string, ttl time.Duration) (bool, error)
}
