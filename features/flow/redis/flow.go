// Package redis persists flow snapshots in Redis, one codec-marshalled
// value per flow id. The engine is the only writer of a given flow, so
// plain last-writer SET carries the durability contract without a version
// handshake.
package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/flow"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultKeyPrefix = "rill:flow:"
	storeName        = "flow-redis"
)

// Options configures the Redis flow store.
type Options struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// Codec marshals snapshots. Defaults to codec.JSON().
	Codec codec.Codec
	// KeyPrefix namespaces flow keys. Defaults to "rill:flow:".
	KeyPrefix string
}

// Store is a Redis-backed flow.Store.
type Store[S flow.State] struct {
	client *redis.Client
	c      codec.Codec
	prefix string
}

// New returns a Redis-backed flow snapshot store.
func New[S flow.State](opts Options) (*Store[S], error) {
	if opts.Client == nil {
		return nil, result.Configurationf("flow redis: client is required")
	}
	c := opts.Codec
	if c == nil {
		c = codec.JSON()
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store[S]{client: opts.Client, c: c, prefix: prefix}, nil
}

// Name implements health.Pinger.
func (s *Store[S]) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store[S]) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save implements flow.Store.
func (s *Store[S]) Save(ctx context.Context, snap *flow.Snapshot[S]) error {
	if snap == nil || snap.FlowID == "" {
		return result.Validationf("snapshot must carry a flow id")
	}
	data, err := s.c.Marshal(snap)
	if err != nil {
		return result.Wrapf(result.KindValidation, err, "encode flow %q", snap.FlowID)
	}
	if err := s.client.Set(ctx, s.key(snap.FlowID), data, 0).Err(); err != nil {
		return result.Wrapf(result.KindTransient, err, "save flow %q", snap.FlowID)
	}
	return nil
}

// Load implements flow.Store.
func (s *Store[S]) Load(ctx context.Context, flowID string) (*flow.Snapshot[S], error) {
	data, err := s.client.Get(ctx, s.key(flowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &flow.NotFoundError{FlowID: flowID}
		}
		return nil, result.Wrapf(result.KindTransient, err, "load flow %q", flowID)
	}
	var snap flow.Snapshot[S]
	if err := s.c.Unmarshal(data, &snap); err != nil {
		return nil, result.Wrapf(result.KindFatal, err, "decode flow %q", flowID)
	}
	return &snap, nil
}

// Delete implements flow.Store. Unknown flow ids are a no-op.
func (s *Store[S]) Delete(ctx context.Context, flowID string) error {
	if err := s.client.Del(ctx, s.key(flowID)).Err(); err != nil {
		return result.Wrapf(result.KindTransient, err, "delete flow %q", flowID)
	}
	return nil
}

func (s *Store[S]) key(flowID string) string {
	return s.prefix + flowID
}
