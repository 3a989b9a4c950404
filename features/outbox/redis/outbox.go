// Package redis implements the outbox table on Redis. Each message is a
// hash holding the immutable row JSON plus the mutable attempt counter and
// ack timestamp; a sorted set scored by creation time serves GetPending in
// FIFO order with ids breaking ties lexicographically.
package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rillflow/rill/runtime/outbox"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultKeyPrefix = "rill:outbox:"
	storeName        = "outbox-redis"
)

// addScript inserts the row and its pending index entry, failing without a
// write when the id already exists.
var addScript = redis.NewScript(`
if redis.call("hsetnx", KEYS[1], "data", ARGV[1]) == 0 then
	return 0
end
redis.call("hset", KEYS[1], "attempts", ARGV[2])
redis.call("zadd", KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// incrementScript bumps the attempt counter only for existing rows.
var incrementScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 0 then
	return -1
end
return redis.call("hincrby", KEYS[1], "attempts", 1)
`)

// Options configures the Redis outbox store.
type Options struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// KeyPrefix namespaces outbox keys. Defaults to "rill:outbox:".
	KeyPrefix string
}

// Store is a Redis-backed outbox.Store.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ outbox.Store = (*Store)(nil)

// New returns a Redis-backed outbox store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("outbox redis: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{client: opts.Client, prefix: prefix, now: time.Now}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Add implements outbox.Store.
func (s *Store) Add(ctx context.Context, msg outbox.Message) error {
	if msg.ID == "" {
		return result.Validationf("outbox message id is empty")
	}
	if msg.Type == "" {
		return result.Validationf("outbox message %q has no type", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return result.Wrapf(result.KindFatal, err, "encoding outbox message %q", msg.ID)
	}
	keys := []string{s.msgKey(msg.ID), s.pendingKey()}
	inserted, err := addScript.Run(ctx, s.client, keys,
		string(data), msg.Attempts, msg.CreatedAt.UnixNano(), msg.ID).Int()
	if err != nil {
		return result.Wrapf(result.KindTransient, err, "adding outbox message %q", msg.ID)
	}
	if inserted == 0 {
		return result.Conflictf("outbox message %q already exists", msg.ID)
	}
	return nil
}

// GetPending implements outbox.Store. Messages come back oldest first, ties
// broken by id, so replays are deterministic.
func (s *Store) GetPending(ctx context.Context, limit int) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, result.Validationf("outbox limit must be positive, got %d", limit)
	}
	ids, err := s.client.ZRange(ctx, s.pendingKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "listing pending outbox messages")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.msgKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "loading pending outbox messages")
	}

	msgs := make([]outbox.Message, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		data, ok := fields["data"]
		if !ok {
			// The row vanished between the index read and the hash
			// read; skip it.
			continue
		}
		if _, acked := fields["processed_at"]; acked {
			continue
		}
		var msg outbox.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, result.Wrapf(result.KindFatal, err, "decoding outbox message %q", ids[i])
		}
		if raw, ok := fields["attempts"]; ok {
			attempts, err := strconv.Atoi(raw)
			if err != nil {
				return nil, result.Wrapf(result.KindFatal, err, "decoding attempts of %q", ids[i])
			}
			msg.Attempts = attempts
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MarkAsProcessed implements outbox.Store. Acking an unknown or already
// processed message is a no-op: the processor may ack twice after a crash.
func (s *Store) MarkAsProcessed(ctx context.Context, id string) error {
	if id == "" {
		return result.Validationf("outbox message id is empty")
	}
	exists, err := s.client.Exists(ctx, s.msgKey(id)).Result()
	if err != nil {
		return result.Wrapf(result.KindTransient, err, "acking outbox message %q", id)
	}
	pipe := s.client.TxPipeline()
	if exists > 0 {
		// HSETNX keeps the first ack's timestamp on duplicate acks.
		pipe.HSetNX(ctx, s.msgKey(id), "processed_at", s.now().UTC().UnixNano())
	}
	pipe.ZRem(ctx, s.pendingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return result.Wrapf(result.KindTransient, err, "acking outbox message %q", id)
	}
	return nil
}

// IncrementAttempts implements outbox.Store.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, result.Validationf("outbox message id is empty")
	}
	n, err := incrementScript.Run(ctx, s.client, []string{s.msgKey(id)}).Int()
	if err != nil {
		return 0, result.Wrapf(result.KindTransient, err, "counting attempt on %q", id)
	}
	if n < 0 {
		return 0, &outbox.NotFoundError{ID: id}
	}
	return n, nil
}

// Lookup returns the stored message, processed or not. Tests and operator
// tooling use it to inspect ack state and attempt counters.
func (s *Store) Lookup(ctx context.Context, id string) (outbox.Message, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.msgKey(id)).Result()
	if err != nil {
		return outbox.Message{}, false, result.Wrapf(result.KindTransient, err, "loading outbox message %q", id)
	}
	data, ok := fields["data"]
	if !ok {
		return outbox.Message{}, false, nil
	}
	var msg outbox.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return outbox.Message{}, false, result.Wrapf(result.KindFatal, err, "decoding outbox message %q", id)
	}
	if raw, ok := fields["attempts"]; ok {
		if attempts, err := strconv.Atoi(raw); err == nil {
			msg.Attempts = attempts
		}
	}
	if raw, ok := fields["processed_at"]; ok {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return outbox.Message{}, false, result.Wrapf(result.KindFatal, err, "decoding ack time of %q", id)
		}
		at := time.Unix(0, nanos).UTC()
		msg.ProcessedAt = &at
	}
	return msg, true, nil
}

func (s *Store) msgKey(id string) string { return s.prefix + "msg:" + id }
func (s *Store) pendingKey() string      { return s.prefix + "pending" }
