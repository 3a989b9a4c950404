// Package snapshot persists point-in-time aggregate state so that readers
// can skip replaying a stream from version 1. Snapshots are an accelerator:
// deleting every snapshot must never lose data, because the event stream
// remains the source of truth.
package snapshot

import (
	"context"
	"time"
)

// Snapshot is aggregate state captured at a specific stream version. The
// caller guarantees Version never exceeds the stream's current version.
type Snapshot[S any] struct {
	StreamID string
	Version  int64
	State    S
	TakenAt  time.Time
}

// Store holds snapshots for one aggregate type. Implementations must be safe
// for concurrent use.
type Store[S any] interface {
	// Save records state at version. Saving the same (streamID, version)
	// pair again replaces the previous snapshot, so retries are harmless.
	Save(ctx context.Context, streamID string, state S, version int64) error

	// Latest returns the highest-version snapshot for streamID. The bool
	// reports whether one exists.
	Latest(ctx context.Context, streamID string) (Snapshot[S], bool, error)

	// History returns all retained snapshots for streamID in ascending
	// version order.
	History(ctx context.Context, streamID string) ([]Snapshot[S], error)

	// DeleteOlderThan prunes snapshots with a version strictly below
	// version. It is a no-op when nothing qualifies.
	DeleteOlderThan(ctx context.Context, streamID string, version int64) error
}
