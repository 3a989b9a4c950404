package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rillflow/rill/runtime/cluster"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultElectionPrefix = "rill:election:"
	electorName           = "cluster-redis-elector"
)

// claimScript grants leadership when the key is vacant or already held by
// the candidate, refreshing the lease either way.
var claimScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call("set", KEYS[1], ARGV[1], "px", ARGV[2])
	return 1
end
return 0
`)

// renewScript extends the lease only while the candidate still leads.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// resignScript vacates the key only while the candidate holds it.
var resignScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ElectorOptions configures the Redis elector.
type ElectorOptions struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// KeyPrefix namespaces election keys. Defaults to "rill:election:".
	KeyPrefix string
}

// Elector is compare-and-set leadership over a Redis key. The leading node
// id is the key's value; the lease expires unless renewed.
type Elector struct {
	client *redis.Client
	prefix string
}

var _ cluster.Elector = (*Elector)(nil)

// NewElector returns a Redis-backed elector.
func NewElector(opts ElectorOptions) (*Elector, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("cluster redis: client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultElectionPrefix
	}
	return &Elector{client: opts.Client, prefix: prefix}, nil
}

// Name implements health.Pinger.
func (e *Elector) Name() string { return electorName }

// Ping implements health.Pinger.
func (e *Elector) Ping(ctx context.Context) error {
	return e.client.Ping(ctx).Err()
}

// TryBecomeLeader implements cluster.Elector.
func (e *Elector) TryBecomeLeader(ctx context.Context, key, nodeID string, ttl time.Duration) (bool, error) {
	if key == "" || nodeID == "" {
		return false, result.Validationf("election key and node id must be set")
	}
	if ttl <= 0 {
		return false, result.Validationf("election ttl must be positive, got %s", ttl)
	}
	n, err := claimScript.Run(ctx, e.client, []string{e.prefix + key}, nodeID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, result.Wrapf(result.KindTransient, err, "claiming leadership of %q", key)
	}
	return n == 1, nil
}

// CurrentLeader implements cluster.Elector.
func (e *Elector) CurrentLeader(ctx context.Context, key string) (string, bool, error) {
	nodeID, err := e.client.Get(ctx, e.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, result.Wrapf(result.KindTransient, err, "reading leader of %q", key)
	}
	return nodeID, true, nil
}

// Renew implements cluster.Elector.
func (e *Elector) Renew(ctx context.Context, key, nodeID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, result.Validationf("election ttl must be positive, got %s", ttl)
	}
	n, err := renewScript.Run(ctx, e.client, []string{e.prefix + key}, nodeID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, result.Wrapf(result.KindTransient, err, "renewing leadership of %q", key)
	}
	return n == 1, nil
}

// Resign implements cluster.Elector.
func (e *Elector) Resign(ctx context.Context, key, nodeID string) error {
	if _, err := resignScript.Run(ctx, e.client, []string{e.prefix + key}, nodeID).Int(); err != nil {
		return result.Wrapf(result.KindTransient, err, "resigning leadership of %q", key)
	}
	return nil
}
