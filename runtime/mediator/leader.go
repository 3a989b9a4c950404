package mediator

import (
	"context"

	"github.com/rillflow/rill/runtime/result"
)

// LeaderGate reports this node's leadership and where the current leader
// runs. cluster.Coordinator implementations satisfy it.
type LeaderGate interface {
	IsLeader(ctx context.Context) bool
	LeaderEndpoint(ctx context.Context) (string, error)
}

// LeaderOnlyBehavior rejects dispatch on follower nodes with
// KindUnauthorized, naming the leader's endpoint when known. Install it
// per request type for operations that must run on exactly one node.
type LeaderOnlyBehavior struct {
	gate LeaderGate
}

// NewLeaderOnlyBehavior returns a behavior gated by the given leadership
// source.
func NewLeaderOnlyBehavior(gate LeaderGate) *LeaderOnlyBehavior {
	return &LeaderOnlyBehavior{gate: gate}
}

// Name implements Behavior.
func (b *LeaderOnlyBehavior) Name() string { return "leader-only" }

// Handle implements Behavior.
func (b *LeaderOnlyBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	if b.gate.IsLeader(ctx) {
		return next(ctx)
	}
	endpoint, err := b.gate.LeaderEndpoint(ctx)
	if err != nil || endpoint == "" {
		return result.Failf[any](result.KindUnauthorized,
			"node is not the leader and no leader is known for %s", msg.Type)
	}
	return result.Failf[any](result.KindUnauthorized,
		"node is not the leader; send %s to %s", msg.Type, endpoint)
}

// Forwarder relays a message to another node and returns its response. The
// transport is supplied by the application.
type Forwarder interface {
	Forward(ctx context.Context, endpoint string, msg Message) (any, error)
}

// ForwardToLeaderBehavior transparently proxies dispatch to the leader when
// running on a follower. The response comes back through the forwarder as
// if handled locally.
type ForwardToLeaderBehavior struct {
	gate LeaderGate
	fwd  Forwarder
}

// NewForwardToLeaderBehavior returns a forwarding behavior.
func NewForwardToLeaderBehavior(gate LeaderGate, fwd Forwarder) *ForwardToLeaderBehavior {
	return &ForwardToLeaderBehavior{gate: gate, fwd: fwd}
}

// Name implements Behavior.
func (b *ForwardToLeaderBehavior) Name() string { return "forward-to-leader" }

// Handle implements Behavior.
func (b *ForwardToLeaderBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	if b.gate.IsLeader(ctx) {
		return next(ctx)
	}
	endpoint, err := b.gate.LeaderEndpoint(ctx)
	if err != nil {
		return result.Fail[any](result.Wrapf(result.KindTransient, err, "resolving leader for %s", msg.Type))
	}
	if endpoint == "" {
		return result.Failf[any](result.KindTransient, "no leader elected for %s", msg.Type)
	}
	v, err := b.fwd.Forward(ctx, endpoint, msg)
	if err != nil {
		if result.KindOf(err) == result.KindUnknown {
			err = result.Wrapf(result.KindTransient, err, "forwarding %s to %s", msg.Type, endpoint)
		}
		return result.Fail[any](err)
	}
	return result.OK(v)
}
