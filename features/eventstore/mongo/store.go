package mongo

import (
	"context"
	"strings"

	clientsmongo "github.com/rillflow/rill/features/eventstore/mongo/clients/mongo"
	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/result"
)

// Options configures the Store wrapper.
type Options struct {
	// Client is the low-level Mongo client. Required.
	Client clientsmongo.Client
	// Registry resolves event payload types. Required: every appended
	// event must round-trip through it on read.
	Registry *codec.Registry
	// Codec encodes payload bytes. Defaults to codec.JSON().
	Codec codec.Codec
}

// Store implements eventstore.Store by delegating persistence to the Mongo
// client and handling payload codec work locally.
type Store struct {
	client   clientsmongo.Client
	registry *codec.Registry
	codec    codec.Codec
}

var _ eventstore.Store = (*Store)(nil)

// NewStore builds a Mongo-backed event store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("eventstore mongo: client is required")
	}
	if opts.Registry == nil {
		return nil, result.Configurationf("eventstore mongo: type registry is required")
	}
	c := opts.Codec
	if c == nil {
		c = codec.JSON()
	}
	return &Store{client: opts.Client, registry: opts.Registry, codec: c}, nil
}

// NewStoreFromMongo instantiates the underlying client from its options. A
// nil codec defaults to codec.JSON().
func NewStoreFromMongo(opts clientsmongo.Options, registry *codec.Registry, c codec.Codec) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client, Registry: registry, Codec: c})
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, events []any, expectedVersion int64, opts ...eventstore.AppendOption) (int64, error) {
	if streamID == "" {
		return 0, result.Validationf("stream id must not be empty")
	}
	if len(events) == 0 {
		return 0, result.Validationf("append to %q carries no events", streamID)
	}
	o := eventstore.BuildAppendOptions(opts)

	records := make([]clientsmongo.EventRecord, len(events))
	for i, ev := range events {
		name, payload, err := s.registry.Encode(s.codec, ev)
		if err != nil {
			return 0, err
		}
		records[i] = clientsmongo.EventRecord{Type: name, Payload: payload}
	}
	return s.client.AppendEvents(ctx, streamID, records, expectedVersion, o.Metadata)
}

// Read implements eventstore.Store. A missing stream reads as empty at
// version 0.
func (s *Store) Read(ctx context.Context, streamID string, fromVersion, maxCount int64) (eventstore.Stream, error) {
	if streamID == "" {
		return eventstore.Stream{}, result.Validationf("stream id must not be empty")
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if maxCount < 0 {
		maxCount = 0
	}
	docs, head, err := s.client.ReadEvents(ctx, streamID, fromVersion, maxCount)
	if err != nil {
		return eventstore.Stream{}, err
	}
	stream := eventstore.Stream{ID: streamID, Version: head}
	for _, doc := range docs {
		env, err := s.decode(doc)
		if err != nil {
			return eventstore.Stream{}, err
		}
		stream.Events = append(stream.Events, env)
	}
	return stream, nil
}

// ReadAll implements eventstore.Store. fromSeq is exclusive: pass the last
// processed sequence number to resume after it, 0 to read from the start.
func (s *Store) ReadAll(ctx context.Context, fromSeq int64, limit int) ([]eventstore.EventEnvelope, error) {
	if fromSeq < 0 {
		return nil, result.Validationf("fromSeq must not be negative, got %d", fromSeq)
	}
	docs, err := s.client.ReadAllEvents(ctx, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	var envs []eventstore.EventEnvelope
	for _, doc := range docs {
		env, err := s.decode(doc)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// StreamExists implements eventstore.Store.
func (s *Store) StreamExists(ctx context.Context, streamID string) (bool, error) {
	if streamID == "" {
		return false, result.Validationf("stream id must not be empty")
	}
	ver, err := s.client.StreamVersion(ctx, streamID)
	if err != nil {
		return false, err
	}
	return ver > 0, nil
}

// StreamVersion implements eventstore.Store. Missing streams report 0.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	if streamID == "" {
		return 0, result.Validationf("stream id must not be empty")
	}
	return s.client.StreamVersion(ctx, streamID)
}

// DeleteStream implements eventstore.Store. Deleting a missing stream is a
// no-op; global sequence numbers are never reused.
func (s *Store) DeleteStream(ctx context.Context, streamID string) error {
	if streamID == "" {
		return result.Validationf("stream id must not be empty")
	}
	return s.client.DeleteStream(ctx, streamID)
}

// ListStreams implements eventstore.Store. The glob's literal prefix narrows
// the header scan server-side; the full pattern is matched here.
func (s *Store) ListStreams(ctx context.Context, pattern string) ([]string, error) {
	p, err := eventstore.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	prefix, _, _ := strings.Cut(pattern, "*")
	ids, err := s.client.ListStreamIDs(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		if p.Match(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) decode(doc clientsmongo.EventDocument) (eventstore.EventEnvelope, error) {
	ev, err := s.registry.Decode(s.codec, doc.Type, doc.Payload)
	if err != nil {
		return eventstore.EventEnvelope{}, &eventstore.CorruptionError{
			StreamID: doc.Stream,
			Version:  doc.Version,
			Cause:    err,
		}
	}
	return eventstore.EventEnvelope{
		StreamID:  doc.Stream,
		Version:   doc.Version,
		GlobalSeq: doc.Seq,
		Type:      doc.Type,
		Event:     ev,
		Timestamp: doc.Timestamp.UTC(),
		Metadata:  doc.Metadata,
	}, nil
}
