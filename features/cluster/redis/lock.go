// Package redis implements the cluster primitives on Redis: locks and
// leader election as value-guarded keys with millisecond leases, and fixed
// plus sliding window rate limiters. Every mutation that must observe the
// current holder runs as a Lua script so check and write are one atomic
// step on the server.
package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rillflow/rill/runtime/cluster"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultLockPrefix   = "rill:lock:"
	acquirePollInterval = 25 * time.Millisecond
	locksName           = "cluster-redis-locks"
)

// releaseScript deletes the key only while it still holds the caller's
// token, so a lease that expired and was re-acquired by another holder is
// left untouched.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only while the caller's token still owns
// the key.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// LockOptions configures the Redis lock table.
type LockOptions struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// KeyPrefix namespaces lock keys. Defaults to "rill:lock:".
	KeyPrefix string
	// PollInterval is how often Acquire retries a contended lock.
	// Defaults to 25ms.
	PollInterval time.Duration
}

// Locks is a Redis-backed lock table. Each lease is a key holding a random
// token; release and refresh compare the token so only the holder can act
// on the lease.
type Locks struct {
	client *redis.Client
	prefix string
	poll   time.Duration
}

var _ cluster.Lock = (*Locks)(nil)

// NewLocks returns a Redis-backed lock table.
func NewLocks(opts LockOptions) (*Locks, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("cluster redis: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultLockPrefix
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = acquirePollInterval
	}
	return &Locks{client: opts.Client, prefix: prefix, poll: poll}, nil
}

// Name implements health.Pinger.
func (l *Locks) Name() string { return locksName }

// Ping implements health.Pinger.
func (l *Locks) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Acquire implements cluster.Lock. It polls until the lock is free or ctx
// ends.
func (l *Locks) Acquire(ctx context.Context, key string, ttl time.Duration) (cluster.Handle, error) {
	for {
		h, held, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if held {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, result.Wrapf(result.KindOf(ctx.Err()), ctx.Err(), "acquiring lock %q", key)
		case <-time.After(l.poll):
		}
	}
}

// TryAcquire implements cluster.Lock.
func (l *Locks) TryAcquire(ctx context.Context, key string, ttl time.Duration) (cluster.Handle, bool, error) {
	if key == "" {
		return nil, false, result.Validationf("lock key is empty")
	}
	if ttl <= 0 {
		return nil, false, result.Validationf("lock ttl must be positive, got %s", ttl)
	}
	token := uuid.NewString()
	held, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, result.Wrapf(result.KindTransient, err, "acquiring lock %q", key)
	}
	if !held {
		return nil, false, nil
	}
	return &handle{client: l.client, key: l.prefix + key, token: token, ttl: ttl}, true, nil
}

type handle struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Release implements cluster.Handle.
func (h *handle) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Int()
	if err != nil {
		return result.Wrapf(result.KindTransient, err, "releasing lock %q", h.key)
	}
	if n == 0 {
		return result.Conflictf("lock %q is no longer held by this handle", h.key)
	}
	return nil
}

// Refresh implements cluster.Handle.
func (h *handle) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, h.client, []string{h.key}, h.token, h.ttl.Milliseconds()).Int()
	if err != nil {
		return result.Wrapf(result.KindTransient, err, "refreshing lock %q", h.key)
	}
	if n == 0 {
		return result.Conflictf("lock %q lease was lost", h.key)
	}
	return nil
}
