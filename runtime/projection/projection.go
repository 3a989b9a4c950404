// Package projection folds the global event log into read models. Each
// projection tracks its own position in the log through a checkpoint, so it
// can stop, restart, and rebuild independently of every other projection.
package projection

import (
	"context"
	"time"

	"github.com/rillflow/rill/runtime/eventstore"
)

type (
	// Projection is a named fold over event envelopes. Apply is invoked
	// serially per projection; implementations only need internal locking
	// when external readers query their state concurrently.
	Projection interface {
		// Name identifies the projection and keys its checkpoint.
		Name() string

		// Apply folds one envelope into the read model. Returning an
		// error halts the runner before the checkpoint advances, so the
		// envelope is redelivered on restart.
		Apply(ctx context.Context, env eventstore.EventEnvelope) error

		// Reset discards the read model ahead of a rebuild.
		Reset(ctx context.Context) error
	}

	// Checkpoint records how far a projection has read the global log.
	// Position is the GlobalSeq of the last scanned envelope, including
	// envelopes skipped by the stream pattern.
	Checkpoint struct {
		Name            string    `json:"name"`
		StreamPattern   string    `json:"stream_pattern"`
		Position        int64     `json:"position"`
		ProcessedCount  int64     `json:"processed_count"`
		LastProcessedAt time.Time `json:"last_processed_at"`
	}

	// CheckpointStore persists checkpoints keyed by projection name.
	// Loading an unknown name returns a zero checkpoint, which makes new
	// projections start from the beginning of the log.
	CheckpointStore interface {
		Load(ctx context.Context, name string) (Checkpoint, error)
		Save(ctx context.Context, cp Checkpoint) error
	}
)
