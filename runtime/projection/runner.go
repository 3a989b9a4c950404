package projection

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

// Reader is the slice of the event store a runner needs.
type Reader interface {
	ReadAll(ctx context.Context, fromSeq int64, limit int) ([]eventstore.EventEnvelope, error)
}

// Runner drives a single projection: it catches up from the checkpoint,
// then follows the log live. A failing Apply stops the runner with the
// checkpoint still pointing at the failed envelope.
type Runner struct {
	proj    Projection
	reader  Reader
	cps     CheckpointStore
	pattern eventstore.Pattern

	batchSize int
	poll      time.Duration
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	// mu serializes Apply against Rebuild so readers observe either the
	// pre-rebuild or post-rebuild model, never a partial one.
	mu sync.Mutex
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStreamPattern restricts the runner to envelopes whose stream id
// matches the glob. Default is "*".
func WithStreamPattern(pattern string) RunnerOption {
	return func(r *Runner) {
		p, err := eventstore.CompilePattern(pattern)
		if err == nil {
			r.pattern = p
		}
	}
}

// WithBatchSize sets how many envelopes are read per checkpoint save.
// Default is 256.
func WithBatchSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithPollInterval sets the live-mode poll fallback used when the store
// does not support watch notifications. Default is 500ms.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(l telemetry.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithRunnerMetrics sets the runner metrics sink.
func WithRunnerMetrics(m telemetry.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner builds a runner for proj over the given log reader and
// checkpoint store.
func NewRunner(proj Projection, reader Reader, cps CheckpointStore, opts ...RunnerOption) *Runner {
	all, _ := eventstore.CompilePattern("*")
	r := &Runner{
		proj:      proj,
		reader:    reader,
		cps:       cps,
		pattern:   all,
		batchSize: 256,
		poll:      500 * time.Millisecond,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CatchUp drains the log from the checkpoint until no more envelopes are
// pending, then returns.
func (r *Runner) CatchUp(ctx context.Context) error {
	for {
		n, err := r.drain(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Run catches up and then follows the log until ctx is done. It returns nil
// on cancellation and the first Apply or store error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.CatchUp(ctx); err != nil {
		return err
	}

	var wake <-chan struct{}
	if w, ok := r.reader.(eventstore.Watcher); ok {
		wake = w.Watch(ctx)
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	r.logger.Info(ctx, "projection live", "projection", r.proj.Name())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
		if err := r.CatchUp(ctx); err != nil {
			return err
		}
	}
}

// Rebuild resets the projection, zeroes its checkpoint and replays the log
// from the start. It holds the runner lock for the whole replay.
func (r *Runner) Rebuild(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := r.proj.Name()
	r.logger.Info(ctx, "projection rebuild", "projection", name)
	if err := r.proj.Reset(ctx); err != nil {
		return result.Wrapf(result.KindOf(err), err, "reset projection %s", name)
	}
	if err := r.cps.Save(ctx, Checkpoint{Name: name, StreamPattern: r.pattern.String()}); err != nil {
		return result.Wrapf(result.KindOf(err), err, "zero checkpoint for %s", name)
	}
	for {
		n, err := r.drainLocked(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Position returns the current checkpoint position.
func (r *Runner) Position(ctx context.Context) (int64, error) {
	cp, err := r.cps.Load(ctx, r.proj.Name())
	if err != nil {
		return 0, err
	}
	return cp.Position, nil
}

func (r *Runner) drain(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drainLocked(ctx)
}

func (r *Runner) drainLocked(ctx context.Context) (int, error) {
	name := r.proj.Name()
	cp, err := r.cps.Load(ctx, name)
	if err != nil {
		return 0, result.Wrapf(result.KindOf(err), err, "load checkpoint for %s", name)
	}
	envs, err := r.reader.ReadAll(ctx, cp.Position, r.batchSize)
	if err != nil {
		return 0, result.Wrapf(result.KindOf(err), err, "read log for %s", name)
	}
	if len(envs) == 0 {
		return 0, nil
	}

	for _, env := range envs {
		if r.pattern.Match(env.StreamID) {
			if err := r.proj.Apply(ctx, env); err != nil {
				// Persist progress up to the failed envelope so a
				// restart redelivers it, not its predecessors.
				if serr := r.saveCheckpoint(ctx, cp); serr != nil {
					r.logger.Error(ctx, "checkpoint save failed", "projection", name, "error", serr)
				}
				return 0, result.Wrapf(result.KindOf(err), err,
					"projection %s failed at seq %d (%s v%d)", name, env.GlobalSeq, env.StreamID, env.Version)
			}
			cp.ProcessedCount++
			cp.LastProcessedAt = env.Timestamp
			r.metrics.IncCounter(telemetry.MetricProjectionApplied, 1, "projection", name, "type", env.Type)
		}
		cp.Position = env.GlobalSeq
	}
	if err := r.saveCheckpoint(ctx, cp); err != nil {
		return 0, err
	}
	return len(envs), nil
}

func (r *Runner) saveCheckpoint(ctx context.Context, cp Checkpoint) error {
	cp.Name = r.proj.Name()
	cp.StreamPattern = r.pattern.String()
	if err := r.cps.Save(ctx, cp); err != nil {
		return result.Wrapf(result.KindOf(err), err, "save checkpoint for %s", cp.Name)
	}
	return nil
}

// Manager runs a set of projection runners as one unit. The first runner
// error stops the group.
type Manager struct {
	runners []*Runner
}

// NewManager groups runners for collective start and rebuild.
func NewManager(runners ...*Runner) *Manager {
	return &Manager{runners: runners}
}

// Run starts every runner and blocks until ctx is done or a runner fails.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range m.runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}

// RebuildAll rebuilds every projection concurrently.
func (m *Manager) RebuildAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range m.runners {
		g.Go(func() error { return r.Rebuild(ctx) })
	}
	return g.Wait()
}
