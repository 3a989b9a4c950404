// Package redis implements the inbox dedupe ledger on Redis. Consumed
// message ids are recorded with SET NX PX so exactly one consumer wins the
// first insert and Redis expires entries without a sweeper.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rillflow/rill/runtime/inbox"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultKeyPrefix = "rill:inbox:"
	storeName        = "inbox-redis"
)

// Options configures the Redis inbox store.
type Options struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// KeyPrefix namespaces inbox keys. Defaults to "rill:inbox:".
	KeyPrefix string
}

// Store records consumed message ids in Redis.
type Store struct {
	client *redis.Client
	prefix string
}

var _ inbox.Store = (*Store)(nil)

// New returns a Redis-backed inbox store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("inbox redis: client is required")
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

// TryStore implements inbox.Store. The first call for a message id wins;
// later calls within the ttl observe the existing entry and report false.
func (s *Store) TryStore(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	if messageID == "" {
		return false, result.Validationf("inbox message id is empty")
	}
	if ttl <= 0 {
		return false, result.Validationf("inbox ttl must be positive, got %s", ttl)
	}
	inserted, err := s.client.SetNX(ctx, s.key(messageID), 1, ttl).Result()
	if err != nil {
		return false, result.Wrapf(result.KindTransient, err, "inbox: store %q", messageID)
	}
	return inserted, nil
}

func (s *Store) key(messageID string) string {
	return s.prefix + messageID
}
