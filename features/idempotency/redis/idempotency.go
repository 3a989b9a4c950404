// Package redis implements the idempotency result cache on Redis. Results
// are plain string values with an optional TTL; replay detection is a GET.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rillflow/rill/runtime/idempotency"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultKeyPrefix = "rill:idem:"
	storeName        = "idempotency-redis"
)

// Options configures the Redis idempotency store.
type Options struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// KeyPrefix namespaces idempotency keys. Defaults to "rill:idem:".
	KeyPrefix string
}

// Store caches request results in Redis keyed by request id.
type Store struct {
	client *redis.Client
	prefix string
}

var _ idempotency.Store = (*Store)(nil)

// New returns a Redis-backed idempotency store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("idempotency redis: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{client: opts.Client, prefix: prefix}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Store implements idempotency.Store. A ttl of zero keeps the record until
// it is overwritten or the keyspace is flushed.
func (s *Store) Store(ctx context.Context, requestID string, res []byte, ttl time.Duration) error {
	if requestID == "" {
		return result.Validationf("idempotency request id is empty")
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(requestID), res, ttl).Err(); err != nil {
		return result.Wrapf(result.KindTransient, err, "idempotency: store %q", requestID)
	}
	return nil
}

// IsProcessed implements idempotency.Store.
func (s *Store) IsProcessed(ctx context.Context, requestID string) (bool, error) {
	if requestID == "" {
		return false, result.Validationf("idempotency request id is empty")
	}
	n, err := s.client.Exists(ctx, s.key(requestID)).Result()
	if err != nil {
		return false, result.Wrapf(result.KindTransient, err, "idempotency: probe %q", requestID)
	}
	return n > 0, nil
}

// Get implements idempotency.Store.
func (s *Store) Get(ctx context.Context, requestID string) ([]byte, bool, error) {
	if requestID == "" {
		return nil, false, result.Validationf("idempotency request id is empty")
	}
	data, err := s.client.Get(ctx, s.key(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, result.Wrapf(result.KindTransient, err, "idempotency: get %q", requestID)
	}
	return data, true, nil
}

func (s *Store) key(requestID string) string {
	return s.prefix + requestID
}
