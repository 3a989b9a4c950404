package mongo

import (
	"context"
	"time"

	clientsmongo "github.com/rillflow/rill/features/snapshot/mongo/clients/mongo"
	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/snapshot"
)

// Options configures the Store wrapper.
type Options struct {
	// Client is the low-level Mongo client. Required.
	Client clientsmongo.Client
	// Codec marshals aggregate state. Defaults to codec.JSON().
	Codec codec.Codec
}

// Store implements snapshot.Store by delegating persistence to the Mongo
// client. State is codec-marshalled, so S must round-trip through the
// configured codec.
type Store[S any] struct {
	client clientsmongo.Client
	codec  codec.Codec
	now    func() time.Time
}

var _ snapshot.Store[struct{}] = (*Store[struct{}])(nil)

// NewStore builds a Mongo-backed snapshot store using the provided client.
func NewStore[S any](opts Options) (*Store[S], error) {
	if opts.Client == nil {
		return nil, result.Configurationf("snapshot mongo: client is required")
	}
	c := opts.Codec
	if c == nil {
		c = codec.JSON()
	}
	return &Store[S]{client: opts.Client, codec: c, now: time.Now}, nil
}

// NewStoreFromMongo instantiates the underlying client from its options. A
// nil codec defaults to codec.JSON().
func NewStoreFromMongo[S any](opts clientsmongo.Options, c codec.Codec) (*Store[S], error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore[S](Options{Client: client, Codec: c})
}

// Save implements snapshot.Store. Saving the same (streamID, version) twice
// replaces the earlier snapshot.
func (s *Store[S]) Save(ctx context.Context, streamID string, state S, version int64) error {
	if streamID == "" {
		return result.Validationf("stream id must not be empty")
	}
	if version < 1 {
		return result.Validationf("snapshot version must be at least 1, got %d", version)
	}
	data, err := s.codec.Marshal(state)
	if err != nil {
		return result.Wrapf(result.KindValidation, err, "encoding snapshot of %q at %d", streamID, version)
	}
	return s.client.UpsertSnapshot(ctx, clientsmongo.SnapshotDocument{
		Stream:  streamID,
		Version: version,
		State:   data,
		TakenAt: s.now().UTC().Truncate(time.Millisecond),
	})
}

// Latest implements snapshot.Store.
func (s *Store[S]) Latest(ctx context.Context, streamID string) (snapshot.Snapshot[S], bool, error) {
	doc, ok, err := s.client.LatestSnapshot(ctx, streamID)
	if err != nil || !ok {
		return snapshot.Snapshot[S]{}, false, err
	}
	snap, err := s.decode(doc)
	if err != nil {
		return snapshot.Snapshot[S]{}, false, err
	}
	return snap, true, nil
}

// History implements snapshot.Store.
func (s *Store[S]) History(ctx context.Context, streamID string) ([]snapshot.Snapshot[S], error) {
	docs, err := s.client.ListSnapshots(ctx, streamID)
	if err != nil {
		return nil, err
	}
	var out []snapshot.Snapshot[S]
	for _, doc := range docs {
		snap, err := s.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// DeleteOlderThan implements snapshot.Store.
func (s *Store[S]) DeleteOlderThan(ctx context.Context, streamID string, version int64) error {
	return s.client.DeleteSnapshotsBelow(ctx, streamID, version)
}

func (s *Store[S]) decode(doc clientsmongo.SnapshotDocument) (snapshot.Snapshot[S], error) {
	var state S
	if err := s.codec.Unmarshal(doc.State, &state); err != nil {
		return snapshot.Snapshot[S]{}, result.Wrapf(result.KindFatal, err,
			"decoding snapshot of %q at %d", doc.Stream, doc.Version)
	}
	return snapshot.Snapshot[S]{
		StreamID: doc.Stream,
		Version:  doc.Version,
		State:    state,
		TakenAt:  doc.TakenAt.UTC(),
	}, nil
}
