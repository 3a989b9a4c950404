package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

// Engine executes instances of one flow definition. Each instance is
// single-threaded cooperative: the engine runs one node at a time, persists
// a snapshot at every node boundary, and parallelism exists only inside
// ForEach, WhenAll, and WhenAny nodes. Distinct instances run concurrently
// without coordination, one Start or Resume call per instance at a time.
type Engine[S State] struct {
	flow  *Flow[S]
	store Store[S]

	dispatcher     Dispatcher
	c              codec.Codec
	registry       *codec.Registry
	defaultRetry   RetryPolicy
	defaultTimeout time.Duration

	logger  telemetry.Logger
	metrics telemetry.Metrics
	now     func() time.Time

	// inflight guards each flow id against concurrent execution within
	// this process. Cross-process exclusion is the deployment's concern,
	// typically a cluster lock keyed by flow id.
	inflight sync.Map
}

// EngineOption configures an Engine.
type EngineOption[S State] func(*Engine[S])

// WithDispatcher wires the mediator (or any Dispatcher) used by send
// nodes. Flows without send nodes need none.
func WithDispatcher[S State](d Dispatcher) EngineOption[S] {
	return func(e *Engine[S]) { e.dispatcher = d }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger[S State](l telemetry.Logger) EngineOption[S] {
	return func(e *Engine[S]) { e.logger = l }
}

// WithEngineMetrics sets the engine metrics sink.
func WithEngineMetrics[S State](m telemetry.Metrics) EngineOption[S] {
	return func(e *Engine[S]) { e.metrics = m }
}

// WithDefaultRetry sets the retry policy applied to steps that declare
// none. The default is a single attempt.
func WithDefaultRetry[S State](p RetryPolicy) EngineOption[S] {
	return func(e *Engine[S]) { e.defaultRetry = p }
}

// WithDefaultStepTimeout bounds each attempt of steps that declare no
// timeout of their own. Zero means unbounded.
func WithDefaultStepTimeout[S State](d time.Duration) EngineOption[S] {
	return func(e *Engine[S]) { e.defaultTimeout = d }
}

// WithEngineCodec sets the codec and type registry used to freeze ForEach
// sequences into loop frames. The registry is optional; unregistered items
// thaw as generic JSON values after a resume.
func WithEngineCodec[S State](c codec.Codec, reg *codec.Registry) EngineOption[S] {
	return func(e *Engine[S]) {
		e.c = c
		e.registry = reg
	}
}

// NewEngine returns an engine executing f against store.
func NewEngine[S State](f *Flow[S], store Store[S], opts ...EngineOption[S]) (*Engine[S], error) {
	if f == nil {
		return nil, result.Configurationf("engine requires a flow definition")
	}
	if store == nil {
		return nil, result.Configurationf("flow %q: engine requires a store", f.name)
	}
	e := &Engine[S]{
		flow:         f,
		store:        store,
		c:            codec.JSON(),
		defaultRetry: RetryPolicy{MaxAttempts: 1},
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start creates a new instance from state and runs it until a terminal
// status, a failure, or cancellation. The returned snapshot reports the
// outcome: step failures land in Status and LastError, not in the error,
// which is reserved for the engine being unable to run at all (unknown
// flow id state, store failures, cancellation).
func (e *Engine[S]) Start(ctx context.Context, state S) (*Snapshot[S], error) {
	flowID := state.FlowID()
	if flowID == "" {
		return nil, result.Validationf("flow state carries no flow id")
	}
	if err := e.acquire(flowID); err != nil {
		return nil, err
	}
	defer e.release(flowID)

	if _, err := e.store.Load(ctx, flowID); err == nil {
		return nil, result.Conflictf("flow %q already started; use Resume", flowID)
	} else {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return nil, result.Wrapf(result.KindOf(err), err, "check flow %q", flowID)
		}
	}

	snap := &Snapshot[S]{
		FlowID:    flowID,
		Flow:      e.flow.name,
		State:     state,
		Position:  []int{0},
		Status:    StatusRunning,
		StartedAt: e.now().UTC(),
	}
	if err := e.persist(ctx, snap); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "flow started", "flow", e.flow.name, "flow_id", flowID)
	return e.run(ctx, snap)
}

// Resume loads the persisted snapshot of flowID and continues it. Terminal
// snapshots return unchanged. A Failed snapshot re-runs the node at its
// position; a Compensating one continues unwinding; a Running one (from a
// crash or cancellation) picks up where it stopped.
func (e *Engine[S]) Resume(ctx context.Context, flowID string) (*Snapshot[S], error) {
	if flowID == "" {
		return nil, result.Validationf("flow id must not be empty")
	}
	if err := e.acquire(flowID); err != nil {
		return nil, err
	}
	defer e.release(flowID)

	snap, err := e.store.Load(ctx, flowID)
	if err != nil {
		return nil, result.Wrapf(result.KindOf(err), err, "load flow %q", flowID)
	}
	if snap.Flow != e.flow.name {
		return nil, result.Configurationf("flow %q belongs to definition %q, this engine runs %q",
			flowID, snap.Flow, e.flow.name)
	}
	if snap.Status.Terminal() {
		return snap, nil
	}
	e.logger.Info(ctx, "flow resumed",
		"flow", e.flow.name, "flow_id", flowID, "status", string(snap.Status), "position", fmt.Sprint(snap.Position))
	if snap.Status == StatusCompensating {
		return e.compensate(ctx, snap)
	}
	snap.Status = StatusRunning
	return e.run(ctx, snap)
}

// acquire takes the in-process single-writer slot for flowID.
func (e *Engine[S]) acquire(flowID string) error {
	if _, running := e.inflight.LoadOrStore(flowID, struct{}{}); running {
		return result.Conflictf("flow %q is already executing on this engine", flowID)
	}
	return nil
}

func (e *Engine[S]) release(flowID string) {
	e.inflight.Delete(flowID)
}

// run is the interpreter loop: resolve the node at the position, execute
// it, advance, persist, repeat.
func (e *Engine[S]) run(ctx context.Context, snap *Snapshot[S]) (*Snapshot[S], error) {
	x := &exec[S]{eng: e, snap: snap}
	for {
		if err := ctx.Err(); err != nil {
			return e.park(ctx, snap, err)
		}
		if e.flow.terminal(snap.Position) {
			snap.Status = StatusSucceeded
			snap.LastError = ""
			if err := e.persist(ctx, snap); err != nil {
				return snap, err
			}
			e.logger.Info(ctx, "flow succeeded", "flow", e.flow.name, "flow_id", snap.FlowID)
			return snap, nil
		}
		n, err := e.flow.resolve(snap.Position)
		if err != nil {
			return snap, err
		}

		// Conditionals only steer the position; the chosen branch's nodes
		// execute on later iterations, each with its own snapshot.
		if n.kind == kindIf || n.kind == kindSwitch {
			if b := pickBranch(n, snap.State); b >= 0 {
				snap.Position = descend(snap.Position, b)
			} else {
				snap.Position = e.flow.advance(snap.Position)
			}
			if err := e.persist(ctx, snap); err != nil {
				return snap, err
			}
			continue
		}

		if err := x.executeNode(ctx, n, true); err != nil {
			if ctx.Err() != nil {
				return e.park(ctx, snap, ctx.Err())
			}
			return e.fail(ctx, snap, err)
		}
		snap.Position = e.flow.advance(snap.Position)
		snap.Attempts = 0
		if err := e.persist(ctx, snap); err != nil {
			return snap, err
		}
	}
}

// park persists a still-Running snapshot when the ambient context is
// cancelled, so a later Resume continues from the interrupted node.
func (e *Engine[S]) park(ctx context.Context, snap *Snapshot[S], cause error) (*Snapshot[S], error) {
	snap.Status = StatusRunning
	if err := e.persist(context.WithoutCancel(ctx), snap); err != nil {
		e.logger.Error(ctx, "parking interrupted flow failed",
			"flow_id", snap.FlowID, "error", err.Error())
	}
	return snap, result.Wrapf(result.KindCancelled, cause, "flow %q interrupted", snap.FlowID)
}

// fail records a node failure. When no completed step carries a
// compensation the instance parks as Failed, resumable after the operator
// fixes the cause. Otherwise the saga unwinds.
func (e *Engine[S]) fail(ctx context.Context, snap *Snapshot[S], cause error) (*Snapshot[S], error) {
	snap.LastError = cause.Error()
	if !e.hasCompensators(snap) {
		snap.Status = StatusFailed
		if err := e.persist(ctx, snap); err != nil {
			return snap, err
		}
		e.logger.Error(ctx, "flow failed",
			"flow", e.flow.name, "flow_id", snap.FlowID,
			"position", fmt.Sprint(snap.Position), "error", cause.Error())
		return snap, nil
	}
	snap.Status = StatusCompensating
	if err := e.persist(ctx, snap); err != nil {
		return snap, err
	}
	e.logger.Warn(ctx, "flow compensating",
		"flow", e.flow.name, "flow_id", snap.FlowID, "error", cause.Error())
	return e.compensate(ctx, snap)
}

func (e *Engine[S]) hasCompensators(snap *Snapshot[S]) bool {
	for _, name := range snap.Completed {
		if n := e.flow.steps[name]; n != nil && n.compensate != nil {
			return true
		}
	}
	return false
}

// compensate unwinds completed steps in reverse completion order. Progress
// is durable: each handled step pops off Completed and persists, so a
// crashed or failed compensation resumes at the next pending step.
func (e *Engine[S]) compensate(ctx context.Context, snap *Snapshot[S]) (*Snapshot[S], error) {
	for len(snap.Completed) > 0 {
		if err := ctx.Err(); err != nil {
			return snap, result.Wrapf(result.KindCancelled, err,
				"compensation of flow %q interrupted", snap.FlowID)
		}
		name := snap.Completed[len(snap.Completed)-1]
		if n := e.flow.steps[name]; n != nil && n.compensate != nil {
			if err := runBody(ctx, n.compensate, snap.State); err != nil {
				snap.LastError = err.Error()
				if perr := e.persist(ctx, snap); perr != nil {
					return snap, perr
				}
				e.logger.Error(ctx, "compensation failed",
					"flow", e.flow.name, "flow_id", snap.FlowID, "step", name, "error", err.Error())
				return snap, nil
			}
			e.metrics.IncCounter(telemetry.MetricFlowCompensations, 1,
				"flow", e.flow.name, "step", name)
		}
		snap.Completed = snap.Completed[:len(snap.Completed)-1]
		if err := e.persist(ctx, snap); err != nil {
			return snap, err
		}
	}
	snap.Status = StatusCompensated
	if err := e.persist(ctx, snap); err != nil {
		return snap, err
	}
	e.logger.Info(ctx, "flow compensated", "flow", e.flow.name, "flow_id", snap.FlowID)
	return snap, nil
}

// persist writes the snapshot unconditionally and clears the state's dirty
// set afterwards. Stores may use the dirty set to skip rewriting an
// unchanged state blob; position and status are always written.
func (e *Engine[S]) persist(ctx context.Context, snap *Snapshot[S]) error {
	snap.UpdatedAt = e.now().UTC()
	if err := e.store.Save(ctx, snap); err != nil {
		return result.Wrapf(result.KindOf(err), err, "persist flow %q", snap.FlowID)
	}
	snap.State.ClearChanges()
	return nil
}

// exec carries the per-run mutable pieces shared by parallel branches.
type exec[S State] struct {
	eng  *Engine[S]
	snap *Snapshot[S]
	// mu guards Completed, Attempts, and loop frames while WhenAll,
	// WhenAny, or a parallel ForEach fan out.
	mu sync.Mutex
}

// executeNode runs one executable node. durable is true only at the top
// level of the interpreter loop, where the engine owns the position and may
// persist; inside parallel branches everything re-runs from the composite
// node after a crash, so nested execution skips persistence.
func (x *exec[S]) executeNode(ctx context.Context, n *node[S], durable bool) error {
	switch n.kind {
	case kindStep, kindSend:
		return x.runStep(ctx, n)
	case kindForEach:
		return x.runForEach(ctx, n, durable)
	case kindWhenAll:
		return x.runWhenAll(ctx, n)
	case kindWhenAny:
		return x.runWhenAny(ctx, n)
	case kindIf, kindSwitch:
		// Reached only inside parallel branches; the interpreter loop
		// steers through conditionals by position instead.
		if b := pickBranch(n, x.snap.State); b >= 0 {
			return x.runSequence(ctx, n.branches[b].nodes)
		}
		return nil
	default:
		return result.Configurationf("flow %q: unknown node kind %s", x.eng.flow.name, n.kind)
	}
}

// complete records a finished step exactly once. A parallel composite
// interrupted mid-flight re-runs whole on resume, so steps that completed
// before the interruption report completion again.
func (x *exec[S]) complete(name string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, done := range x.snap.Completed {
		if done == name {
			return
		}
	}
	x.snap.Completed = append(x.snap.Completed, name)
}

// runSequence executes a branch's nodes in order, in process, without
// touching the persisted position.
func (x *exec[S]) runSequence(ctx context.Context, nodes []*node[S]) error {
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := x.executeNode(ctx, n, false); err != nil {
			return err
		}
	}
	return nil
}

// runStep executes a step or send node under its retry policy and timeout.
// Retries stay within this call; the position never moves mid-policy.
func (x *exec[S]) runStep(ctx context.Context, n *node[S]) error {
	policy := x.eng.defaultRetry
	if n.retry != nil {
		policy = *n.retry
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	timeout := n.timeout
	if timeout == 0 {
		timeout = x.eng.defaultTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		stepCtx, cancel := withOptionalTimeout(ctx, timeout)
		var err error
		if n.kind == kindSend {
			err = runDispatch(stepCtx, n, x.eng.dispatcher, x.snap.State)
		} else {
			err = runBody(stepCtx, n.body, x.snap.State)
		}
		cancel()

		if err == nil {
			x.complete(n.name)
			x.eng.metrics.IncCounter(telemetry.MetricFlowSteps, 1,
				"flow", x.eng.flow.name, "step", n.name, "outcome", "ok")
			return nil
		}
		lastErr = err
		x.mu.Lock()
		x.snap.Attempts = attempt
		x.mu.Unlock()

		// Ambient cancellation is not a step failure; bubble it up so the
		// run loop parks the instance.
		if ctx.Err() != nil {
			return err
		}
		if attempt >= policy.MaxAttempts {
			break
		}
		delay := policy.backoff(attempt)
		x.eng.logger.Debug(ctx, "retrying step",
			"flow_id", x.snap.FlowID, "step", n.name,
			"attempt", attempt, "backoff_ms", delay.Milliseconds())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	x.eng.metrics.IncCounter(telemetry.MetricFlowSteps, 1,
		"flow", x.eng.flow.name, "step", n.name, "outcome", "failed")
	return fmt.Errorf("step %q: %w", n.name, lastErr)
}

// runWhenAll executes every branch concurrently and succeeds only when all
// do. The first failure cancels the remaining branches cooperatively.
func (x *exec[S]) runWhenAll(ctx context.Context, n *node[S]) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, br := range n.branches {
		g.Go(func() error {
			if err := x.runSequence(gctx, br.nodes); err != nil {
				return fmt.Errorf("%s/%s: %w", n.name, br.label, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// runWhenAny executes every branch concurrently and succeeds with the
// first branch that does, cancelling the rest. It fails only when every
// branch fails.
func (x *exec[S]) runWhenAny(ctx context.Context, n *node[S]) error {
	anyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		won  atomic.Bool
		errs = make([]error, len(n.branches))
	)
	for i, br := range n.branches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := x.runSequence(anyCtx, br.nodes); err != nil {
				errs[i] = fmt.Errorf("%s/%s: %w", n.name, br.label, err)
				return
			}
			won.Store(true)
			cancel()
		}()
	}
	wg.Wait()

	if won.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%s: every branch failed: %w", n.name, errors.Join(errs...))
}

// runForEach iterates the node's sequence. At the durable level the
// sequence freezes into a loop frame on first entry, so items added to
// state mid-iteration never join the loop and a resume skips completed
// ordinals. Nested loops re-run whole on resume like everything else
// inside a parallel branch.
func (x *exec[S]) runForEach(ctx context.Context, n *node[S], durable bool) error {
	frame, items, err := x.loopFrame(ctx, n, durable)
	if err != nil {
		return err
	}

	if n.parallel > 1 {
		err = x.loopParallel(ctx, n, frame, items, durable)
	} else {
		err = x.loopSequential(ctx, n, frame, items, durable)
	}
	if err != nil {
		return err
	}

	if n.onComplete != nil {
		if err := runBody(ctx, n.onComplete, x.snap.State); err != nil {
			return fmt.Errorf("foreach %q completion: %w", n.name, err)
		}
	}
	if durable && frame != nil {
		x.mu.Lock()
		delete(x.snap.Loops, n.name)
		x.mu.Unlock()
	}
	return nil
}

// loopFrame resolves the item list: from the persisted frame when resuming
// a durable loop, from the state selector otherwise. Freezing persists
// before the first item runs.
func (x *exec[S]) loopFrame(ctx context.Context, n *node[S], durable bool) (*LoopFrame, []any, error) {
	if !durable {
		return nil, n.items(x.snap.State), nil
	}

	x.mu.Lock()
	frame := x.snap.Loops[n.name]
	x.mu.Unlock()
	if frame != nil {
		items, err := x.eng.thawItems(frame)
		if err != nil {
			return nil, nil, result.Wrapf(result.KindFatal, err,
				"foreach %q: corrupt loop frame", n.name)
		}
		return frame, items, nil
	}

	items := n.items(x.snap.State)
	frame, err := x.eng.freezeItems(items)
	if err != nil {
		return nil, nil, fmt.Errorf("foreach %q: %w", n.name, err)
	}
	x.mu.Lock()
	if x.snap.Loops == nil {
		x.snap.Loops = make(map[string]*LoopFrame)
	}
	x.snap.Loops[n.name] = frame
	x.mu.Unlock()
	if err := x.eng.persist(ctx, x.snap); err != nil {
		return nil, nil, err
	}
	return frame, items, nil
}

func (x *exec[S]) loopSequential(ctx context.Context, n *node[S], frame *LoopFrame, items []any, durable bool) error {
	for i, item := range items {
		if frame.done(i) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := runItem(ctx, n, x.snap.State, item); err != nil {
			if n.loop.onItemFail != nil {
				n.loop.onItemFail(ctx, x.snap.State, item, err)
			}
			if !n.loop.continueOnFailure {
				return fmt.Errorf("foreach %q: item %d: %w", n.name, i, err)
			}
			frame.markFailed(i, err)
		} else {
			frame.markDone(i)
		}
		if durable {
			if err := x.eng.persist(ctx, x.snap); err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *exec[S]) loopParallel(ctx context.Context, n *node[S], frame *LoopFrame, items []any, durable bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.parallel)
	for i, item := range items {
		if frame.done(i) {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := runItem(gctx, n, x.snap.State, item); err != nil {
				if n.loop.onItemFail != nil {
					n.loop.onItemFail(gctx, x.snap.State, item, err)
				}
				if !n.loop.continueOnFailure {
					return fmt.Errorf("foreach %q: item %d: %w", n.name, i, err)
				}
				x.mu.Lock()
				frame.markFailed(i, err)
				x.mu.Unlock()
				return nil
			}
			x.mu.Lock()
			frame.markDone(i)
			x.mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	// Item progress is batched: persist once the fan-in completes, with a
	// detached context when the batch failed so progress survives.
	if durable {
		pctx := ctx
		if err != nil {
			pctx = context.WithoutCancel(ctx)
		}
		if perr := x.eng.persist(pctx, x.snap); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// freezeItems marshals the loop sequence into a durable frame. Item types
// registered in the engine's registry thaw back to their Go types; the
// rest thaw as generic JSON values.
func (e *Engine[S]) freezeItems(items []any) (*LoopFrame, error) {
	frame := &LoopFrame{
		Items: make([]json.RawMessage, len(items)),
		Types: make([]string, len(items)),
	}
	for i, item := range items {
		data, err := e.c.Marshal(item)
		if err != nil {
			return nil, result.Wrapf(result.KindValidation, err, "freeze loop item %d", i)
		}
		frame.Items[i] = data
		if e.registry != nil && item != nil {
			if name, err := e.registry.NameOf(item); err == nil {
				frame.Types[i] = name
			}
		}
	}
	return frame, nil
}

func (e *Engine[S]) thawItems(frame *LoopFrame) ([]any, error) {
	items := make([]any, len(frame.Items))
	for i, raw := range frame.Items {
		var name string
		if i < len(frame.Types) {
			name = frame.Types[i]
		}
		if name != "" && e.registry != nil {
			v, err := e.registry.Decode(e.c, name, raw)
			if err != nil {
				return nil, fmt.Errorf("thaw loop item %d: %w", i, err)
			}
			items[i] = v
			continue
		}
		var v any
		if err := e.c.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("thaw loop item %d: %w", i, err)
		}
		items[i] = v
	}
	return items, nil
}

// runBody invokes a step body, converting panics into failures so one bad
// step cannot take the engine down.
func runBody[S State](ctx context.Context, fn StepFunc[S], s S) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = result.FromPanic(rec)
		}
	}()
	return fn(ctx, s)
}

func runDispatch[S State](ctx context.Context, n *node[S], d Dispatcher, s S) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = result.FromPanic(rec)
		}
	}()
	return n.dispatch(ctx, d, s)
}

func runItem[S State](ctx context.Context, n *node[S], s S, item any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = result.FromPanic(rec)
		}
	}()
	return n.itemBody(ctx, s, item)
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
