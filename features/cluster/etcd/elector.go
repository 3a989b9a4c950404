package etcd

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/rillflow/rill/runtime/cluster"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultElectionPrefix = "rill/election/"
	electorName           = "cluster-etcd-elector"
)

// ElectorOptions configures the etcd elector.
type ElectorOptions struct {
	// Client is the etcd client. Required.
	Client *clientv3.Client
	// KeyPrefix namespaces election keys. Defaults to "rill/election/".
	KeyPrefix string
}

// Elector is compare-and-set leadership over an etcd key. The leading node
// id is the key's value, attached to a lease that expires unless renewed.
// Claims and renewals attach the key to a fresh lease; a superseded lease
// owns nothing and lapses on its own.
type Elector struct {
	client *clientv3.Client
	prefix string
}

var _ cluster.Elector = (*Elector)(nil)

// NewElector returns an etcd-backed elector.
func NewElector(opts ElectorOptions) (*Elector, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("cluster etcd: client is required")
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
	_, err := e.client.Get(ctx, e.prefix, clientv3.WithSerializable(), clientv3.WithCountOnly())
	return err
}

// TryBecomeLeader implements cluster.Elector. A vacant key is claimed with
// a create-revision guard; a key the candidate already holds is moved onto
// a fresh lease so its ttl restarts.
func (e *Elector) TryBecomeLeader(ctx context.Context, key, nodeID string, ttl time.Duration) (bool, error) {
	if key == "" || nodeID == "" {
		return false, result.Validationf("election key and node id must be set")
	}
	if ttl <= 0 {
		return false, result.Validationf("election ttl must be positive, got %s", ttl)
	}
	k := e.prefix + key
	lease, err := e.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, result.Wrapf(result.KindTransient, err, "claiming leadership of %q", key)
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, nodeID, clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		revokeLease(ctx, e.client, lease.ID)
		return false, result.Wrapf(result.KindTransient, err, "claiming leadership of %q", key)
	}
	if resp.Succeeded {
		return true, nil
	}
	kvs := resp.Responses[0].GetResponseRange().Kvs
	if len(kvs) == 1 && string(kvs[0].Value) == nodeID {
		held, err := e.putIfHeld(ctx, k, nodeID, lease.ID)
		if err != nil {
			revokeLease(ctx, e.client, lease.ID)
			return false, result.Wrapf(result.KindTransient, err, "claiming leadership of %q", key)
		}
		if !held {
			revokeLease(ctx, e.client, lease.ID)
		}
		return held, nil
	}
	revokeLease(ctx, e.client, lease.ID)
	return false, nil
}

// CurrentLeader implements cluster.Elector.
func (e *Elector) CurrentLeader(ctx context.Context, key string) (string, bool, error) {
	resp, err := e.client.Get(ctx, e.prefix+key)
	if err != nil {
		return "", false, result.Wrapf(result.KindTransient, err, "reading leader of %q", key)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Renew implements cluster.Elector.
func (e *Elector) Renew(ctx context.Context, key, nodeID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, result.Validationf("election ttl must be positive, got %s", ttl)
	}
	lease, err := e.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, result.Wrapf(result.KindTransient, err, "renewing leadership of %q", key)
	}
	held, err := e.putIfHeld(ctx, e.prefix+key, nodeID, lease.ID)
	if err != nil {
		revokeLease(ctx, e.client, lease.ID)
		return false, result.Wrapf(result.KindTransient, err, "renewing leadership of %q", key)
	}
	if !held {
		revokeLease(ctx, e.client, lease.ID)
	}
	return held, nil
}

// Resign implements cluster.Elector. The held lease is revoked after the
// key is gone so it does not linger for its remaining ttl.
func (e *Elector) Resign(ctx context.Context, key, nodeID string) error {
	k := e.prefix + key
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", nodeID)).
		Then(clientv3.OpGet(k), clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return result.Wrapf(result.KindTransient, err, "resigning leadership of %q", key)
	}
	if !resp.Succeeded {
		return nil
	}
	kvs := resp.Responses[0].GetResponseRange().Kvs
	if len(kvs) == 1 && kvs[0].Lease != 0 {
		revokeLease(ctx, e.client, clientv3.LeaseID(kvs[0].Lease))
	}
	return nil
}

// putIfHeld rewrites the key under a new lease while nodeID still holds
// it. The create revision survives a put, so vacancy checks stay exact.
func (e *Elector) putIfHeld(ctx context.Context, k, nodeID string, lease clientv3.LeaseID) (bool, error) {
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", nodeID)).
		Then(clientv3.OpPut(k, nodeID, clientv3.WithLease(lease))).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}
