package mongo

import (
	"context"

	clientsmongo "github.com/rillflow/rill/features/flow/mongo/clients/mongo"
	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/flow"
	"github.com/rillflow/rill/runtime/result"
)

// Options configures the Store wrapper.
type Options struct {
	// Client is the low-level Mongo client. Required.
	Client clientsmongo.Client
	// Codec marshals snapshots. Defaults to codec.JSON().
	Codec codec.Codec
}

// Store is a Mongo-backed flow.Store.
type Store[S flow.State] struct {
	client clientsmongo.Client
	codec  codec.Codec
}

// NewStore builds a Mongo-backed flow snapshot store using the provided
// client.
func NewStore[S flow.State](opts Options) (*Store[S], error) {
	if opts.Client == nil {
		return nil, result.Configurationf("flow mongo: client is required")
	}
	c := opts.Codec
	if c == nil {
		c = codec.JSON()
	}
	return &Store[S]{client: opts.Client, codec: c}, nil
}

// NewStoreFromMongo instantiates the underlying client from its options. A
// nil codec defaults to codec.JSON().
func NewStoreFromMongo[S flow.State](opts clientsmongo.Options, c codec.Codec) (*Store[S], error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore[S](Options{Client: client, Codec: c})
}

// Name implements health.Pinger.
func (s *Store[S]) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store[S]) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// Save implements flow.Store.
func (s *Store[S]) Save(ctx context.Context, snap *flow.Snapshot[S]) error {
	if snap == nil || snap.FlowID == "" {
		return result.Validationf("snapshot must carry a flow id")
	}
	data, err := s.codec.Marshal(snap)
	if err != nil {
		return result.Wrapf(result.KindValidation, err, "encode flow %q", snap.FlowID)
	}
	return s.client.UpsertFlow(ctx, clientsmongo.FlowDocument{
		ID:        snap.FlowID,
		Status:    string(snap.Status),
		Data:      data,
		UpdatedAt: snap.UpdatedAt,
	})
}

// Load implements flow.Store.
func (s *Store[S]) Load(ctx context.Context, flowID string) (*flow.Snapshot[S], error) {
	doc, err := s.client.LoadFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	var snap flow.Snapshot[S]
	if err := s.codec.Unmarshal(doc.Data, &snap); err != nil {
		return nil, result.Wrapf(result.KindFatal, err, "decode flow %q", flowID)
	}
	return &snap, nil
}

// Delete implements flow.Store. Unknown flow ids are a no-op.
func (s *Store[S]) Delete(ctx context.Context, flowID string) error {
	return s.client.DeleteFlow(ctx, flowID)
}
