package mongo

import (
	"context"

	clientsmongo "github.com/rillflow/rill/features/projection/mongo/clients/mongo"
	"github.com/rillflow/rill/runtime/projection"
	"github.com/rillflow/rill/runtime/result"
)

// Options configures the CheckpointStore wrapper.
type Options struct {
	// Client is the low-level Mongo client. Required.
	Client clientsmongo.Client
}

// CheckpointStore implements projection.CheckpointStore by delegating to
// the Mongo client.
type CheckpointStore struct {
	client clientsmongo.Client
}

var _ projection.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore builds a Mongo-backed checkpoint store using the
// provided client.
func NewCheckpointStore(opts Options) (*CheckpointStore, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("projection mongo: client is required")
	}
	return &CheckpointStore{client: opts.Client}, nil
}

// NewCheckpointStoreFromMongo instantiates the underlying client from its
// options.
func NewCheckpointStoreFromMongo(opts clientsmongo.Options) (*CheckpointStore, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewCheckpointStore(Options{Client: client})
}

// Name implements health.Pinger.
func (s *CheckpointStore) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *CheckpointStore) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// Load implements projection.CheckpointStore. Unknown names return a zero
// checkpoint so new projections start from the beginning of the log.
func (s *CheckpointStore) Load(ctx context.Context, name string) (projection.Checkpoint, error) {
	if name == "" {
		return projection.Checkpoint{}, result.Validationf("checkpoint name is empty")
	}
	doc, ok, err := s.client.LoadCheckpoint(ctx, name)
	if err != nil {
		return projection.Checkpoint{}, err
	}
	if !ok {
		return projection.Checkpoint{Name: name}, nil
	}
	return projection.Checkpoint{
		Name:            doc.Name,
		StreamPattern:   doc.StreamPattern,
		Position:        doc.Position,
		ProcessedCount:  doc.ProcessedCount,
		LastProcessedAt: doc.LastProcessedAt.UTC(),
	}, nil
}

// Save implements projection.CheckpointStore.
func (s *CheckpointStore) Save(ctx context.Context, cp projection.Checkpoint) error {
	if cp.Name == "" {
		return result.Validationf("checkpoint name is empty")
	}
	return s.client.SaveCheckpoint(ctx, clientsmongo.CheckpointDocument{
		Name:            cp.Name,
		StreamPattern:   cp.StreamPattern,
		Position:        cp.Position,
		ProcessedCount:  cp.ProcessedCount,
		LastProcessedAt: cp.LastProcessedAt.UTC(),
	})
}
