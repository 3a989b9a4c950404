package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

// Node is a Coordinator backed by an election loop. IsLeader reads a local
// flag the loop maintains, so leadership checks never touch the elector on
// the dispatch path.
type Node struct {
	id       string
	endpoint string
	elector  Elector
	key      string
	ttl      time.Duration
	interval time.Duration
	resolve  func(ctx context.Context, nodeID string) (string, error)
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	leader atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithElectionKey sets the elector key the node campaigns for.
func WithElectionKey(key string) NodeOption {
	return func(n *Node) { n.key = key }
}

// WithLeaseTTL sets the leadership lease duration.
func WithLeaseTTL(ttl time.Duration) NodeOption {
	return func(n *Node) { n.ttl = ttl }
}

// WithRenewInterval sets how often the loop renews or campaigns. It must
// be shorter than the lease ttl.
func WithRenewInterval(d time.Duration) NodeOption {
	return func(n *Node) { n.interval = d }
}

// WithEndpointResolver maps a foreign leader's node id to its endpoint.
// Without it, the node id itself is returned; nodes that advertise their
// endpoint as their id need no resolver.
func WithEndpointResolver(fn func(ctx context.Context, nodeID string) (string, error)) NodeOption {
	return func(n *Node) { n.resolve = fn }
}

// WithNodeLogger sets the node logger.
func WithNodeLogger(l telemetry.Logger) NodeOption {
	return func(n *Node) { n.logger = l }
}

// WithNodeMetrics sets the node metrics sink.
func WithNodeMetrics(m telemetry.Metrics) NodeOption {
	return func(n *Node) { n.metrics = m }
}

// NewNode returns a node identified by id, advertising endpoint to peers,
// campaigning through elector.
func NewNode(id, endpoint string, elector Elector, opts ...NodeOption) (*Node, error) {
	if id == "" {
		return nil, result.Configurationf("cluster node requires an id")
	}
	if elector == nil {
		return nil, result.Configurationf("cluster node %q requires an elector", id)
	}
	n := &Node{
		id:       id,
		endpoint: endpoint,
		elector:  elector,
		key:      "rill/leader",
		ttl:      15 * time.Second,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.ttl <= 0 {
		return nil, result.Configurationf("cluster node %q lease ttl must be positive, got %s", id, n.ttl)
	}
	if n.interval == 0 {
		n.interval = n.ttl / 3
	}
	if n.interval <= 0 || n.interval >= n.ttl {
		return nil, result.Configurationf(
			"cluster node %q renew interval %s must be positive and shorter than the lease %s",
			id, n.interval, n.ttl)
	}
	return n, nil
}

// NodeID implements Coordinator.
func (n *Node) NodeID() string { return n.id }

// Endpoint returns this node's advertised endpoint.
func (n *Node) Endpoint() string { return n.endpoint }

// IsLeader implements Coordinator.
func (n *Node) IsLeader(context.Context) bool { return n.leader.Load() }

// LeaderEndpoint implements Coordinator.
func (n *Node) LeaderEndpoint(ctx context.Context) (string, error) {
	leader, ok, err := n.elector.CurrentLeader(ctx, n.key)
	if err != nil {
		return "", result.Wrapf(result.KindTransient, err, "resolving leader of %q", n.key)
	}
	if !ok {
		return "", nil
	}
	if leader == n.id {
		return n.endpoint, nil
	}
	if n.resolve != nil {
		return n.resolve(ctx, leader)
	}
	return leader, nil
}

// ExecuteIfLeader implements Coordinator.
func (n *Node) ExecuteIfLeader(ctx context.Context, fn func(ctx context.Context) error) error {
	if !n.IsLeader(ctx) {
		return result.Unauthorizedf("node %q is not the leader of %q", n.id, n.key)
	}
	return fn(ctx)
}

// Start launches the election loop. It fails if the node is already
// campaigning.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return result.Conflictf("node %q is already campaigning", n.id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	n.cancel, n.done = cancel, done
	go func() {
		defer close(done)
		n.RunElection(runCtx)
	}()
	return nil
}

// Stop halts the election loop, resigning any held leadership, bounded by
// ctx. Stopping an idle node is a no-op.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunElection campaigns for leadership and keeps the lease renewed until
// ctx ends, flipping the local flag on transitions. On exit it resigns any
// leadership it holds so a peer can take over without waiting out the
// lease. Most callers use Start/Stop; RunElection is for callers that
// manage their own goroutines.
func (n *Node) RunElection(ctx context.Context) {
	n.campaign(ctx)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.stepDown(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			n.campaign(ctx)
		}
	}
}

func (n *Node) campaign(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if n.leader.Load() {
		ok, err := n.elector.Renew(ctx, n.key, n.id, n.ttl)
		if err != nil {
			n.logger.Warn(ctx, "leadership renewal failed",
				"key", n.key, "node", n.id, "error", err.Error())
		}
		// A node that cannot confirm its lease must stop acting as
		// leader.
		if err != nil || !ok {
			n.setLeader(ctx, false)
		}
		return
	}
	won, err := n.elector.TryBecomeLeader(ctx, n.key, n.id, n.ttl)
	if err != nil {
		n.logger.Warn(ctx, "leadership campaign failed",
			"key", n.key, "node", n.id, "error", err.Error())
		return
	}
	if won {
		n.setLeader(ctx, true)
	}
}

func (n *Node) stepDown(ctx context.Context) {
	if !n.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := n.elector.Resign(ctx, n.key, n.id); err != nil {
		n.logger.Warn(ctx, "resign failed; lease expires on its own",
			"key", n.key, "node", n.id, "error", err.Error())
	}
	n.setLeader(ctx, false)
}

func (n *Node) setLeader(ctx context.Context, leader bool) {
	if n.leader.Swap(leader) == leader {
		return
	}
	gauge := 0.0
	msg := "lost leadership"
	if leader {
		gauge = 1.0
		msg = "became leader"
	}
	n.metrics.RecordGauge(telemetry.MetricClusterLeader, gauge, "key", n.key, "node", n.id)
	n.logger.Info(ctx, msg, "key", n.key, "node", n.id)
}
