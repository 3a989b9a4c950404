// Package etcd implements the cluster primitives on etcd: locks and leader
// election as lease-attached keys claimed with compare-and-set transactions.
// A key exists only while its holder's lease lives, so a crashed holder
// frees its claims when the lease expires.
package etcd

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/rillflow/rill/runtime/cluster"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultLockPrefix   = "rill/lock/"
	acquirePollInterval = 25 * time.Millisecond
	locksName           = "cluster-etcd-locks"
)

// LockOptions configures the etcd lock table.
type LockOptions struct {
	// Client is the etcd client. Required.
	Client *clientv3.Client
	// KeyPrefix namespaces lock keys. Defaults to "rill/lock/".
	KeyPrefix string
	// PollInterval is how often Acquire retries a contended lock.
	// Defaults to 25ms.
	PollInterval time.Duration
}

// Locks is an etcd-backed lock table. Each lease is a key created by a
// transaction that requires the key to be vacant; release and refresh act
// on the etcd lease the key is attached to, so only the holder can extend
// or free it.
type Locks struct {
	client *clientv3.Client
	prefix string
	poll   time.Duration
}

var _ cluster.Lock = (*Locks)(nil)

// NewLocks returns an etcd-backed lock table.
func NewLocks(opts LockOptions) (*Locks, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("cluster etcd: client is required")
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
	_, err := l.client.Get(ctx, l.prefix, clientv3.WithSerializable(), clientv3.WithCountOnly())
	return err
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
	k := l.prefix + key
	lease, err := l.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return nil, false, result.Wrapf(result.KindTransient, err, "acquiring lock %q", key)
	}
	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, uuid.NewString(), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		revokeLease(ctx, l.client, lease.ID)
		return nil, false, result.Wrapf(result.KindTransient, err, "acquiring lock %q", key)
	}
	if !resp.Succeeded {
		revokeLease(ctx, l.client, lease.ID)
		return nil, false, nil
	}
	return &handle{client: l.client, key: k, lease: lease.ID}, true, nil
}

type handle struct {
	client *clientv3.Client
	key    string
	lease  clientv3.LeaseID
}

// Release implements cluster.Handle. Revoking the lease deletes the lock
// key; a lease that already expired cannot touch a successor's claim.
func (h *handle) Release(ctx context.Context) error {
	if _, err := h.client.Revoke(ctx, h.lease); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return result.Conflictf("lock %q is no longer held by this handle", h.key)
		}
		return result.Wrapf(result.KindTransient, err, "releasing lock %q", h.key)
	}
	return nil
}

// Refresh implements cluster.Handle. The lease keeps its granted ttl.
func (h *handle) Refresh(ctx context.Context) error {
	if _, err := h.client.KeepAliveOnce(ctx, h.lease); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return result.Conflictf("lock %q lease was lost", h.key)
		}
		return result.Wrapf(result.KindTransient, err, "refreshing lock %q", h.key)
	}
	return nil
}

// leaseSeconds rounds ttl up to whole seconds, the granularity of etcd
// leases.
func leaseSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// revokeLease discards a lease that never attached to a key or whose key
// is being abandoned. Failures only delay expiry until the ttl lapses.
func revokeLease(ctx context.Context, client *clientv3.Client, id clientv3.LeaseID) {
	_, _ = client.Revoke(ctx, id)
}
