// Package cluster provides the coordination primitives that make a group
// of nodes behave like one system: distributed locks with expiring leases,
// leader election, and rate limiting. Backends range from the in-process
// tables in the local subpackage to Redis and etcd implementations under
// features.
package cluster

import (
	"context"
	"time"
)

// Coordinator reports this node's role in the cluster. The mediator's
// leader-only and forward-to-leader behaviors consume it.
type Coordinator interface {
	// NodeID returns this node's stable identity.
	NodeID() string

	// IsLeader reports whether this node currently holds leadership.
	IsLeader(ctx context.Context) bool

	// LeaderEndpoint returns the current leader's advertised endpoint, or
	// empty when no leader is known.
	LeaderEndpoint(ctx context.Context) (string, error)

	// ExecuteIfLeader runs fn only when this node leads, failing with
	// KindUnauthorized otherwise. Leadership may lapse while fn runs; fn
	// must tolerate that.
	ExecuteIfLeader(ctx context.Context, fn func(ctx context.Context) error) error
}

// Handle is a held lock lease.
type Handle interface {
	// Release frees the lock. Releasing a lease that already expired or
	// changed hands is a conflict.
	Release(ctx context.Context) error

	// Refresh extends the lease by its original ttl. Refreshing a lost
	// lease is a conflict.
	Refresh(ctx context.Context) error
}

// Lock is distributed mutual exclusion with expiring leases: a crashed
// holder's lease lapses after its ttl instead of wedging the key.
type Lock interface {
	// Acquire blocks until the lock is held or ctx ends.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)

	// TryAcquire attempts the lock once, reporting held=false on
	// contention.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Handle, bool, error)
}

// Elector is compare-and-set leadership over a shared key. At most one
// node id holds the key until its lease expires or it resigns.
type Elector interface {
	// TryBecomeLeader claims key for nodeID. It reports true when nodeID
	// is now the leader, including when it already was.
	TryBecomeLeader(ctx context.Context, key, nodeID string, ttl time.Duration) (bool, error)

	// CurrentLeader returns the leading node id, or ok=false when the key
	// is vacant.
	CurrentLeader(ctx context.Context, key string) (string, bool, error)

	// Renew extends nodeID's lease. It reports false when leadership was
	// lost in the meantime.
	Renew(ctx context.Context, key, nodeID string, ttl time.Duration) (bool, error)

	// Resign releases leadership when nodeID holds it, a no-op otherwise.
	Resign(ctx context.Context, key, nodeID string) error
}

// RateLimiter bounds operations per key and time window. The mediator's
// throttle behavior consumes it.
type RateLimiter interface {
	// IsAllowed consumes one slot of key's budget and reports whether the
	// operation may proceed.
	IsAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
