package flow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rillflow/rill/runtime/result"
)

// Builder declaratively assembles a flow definition. Construction is pure:
// nothing executes until an engine runs an instance. Build errors are
// collected and reported together by Build, so call sites chain without
// per-call error handling.
type Builder[S State] struct {
	bc    *buildCtx
	nodes []*node[S]
}

// buildCtx is shared between a root builder and the nested builders created
// for branches, so names stay unique flow-wide and errors aggregate.
type buildCtx struct {
	flowName string
	names    map[string]struct{}
	errs     []error
}

// New starts a flow definition with the given name.
func New[S State](name string) *Builder[S] {
	return &Builder[S]{bc: &buildCtx{
		flowName: name,
		names:    make(map[string]struct{}),
	}}
}

// StepOption tunes a single step or send node.
type StepOption func(*stepSettings)

type stepSettings struct {
	retry   *RetryPolicy
	timeout time.Duration
}

// WithRetry sets the node's retry policy, overriding the engine default.
func WithRetry(p RetryPolicy) StepOption {
	return func(s *stepSettings) { s.retry = &p }
}

// WithStepTimeout bounds each attempt of the node. A timed-out attempt is a
// step failure and consumes one retry attempt.
func WithStepTimeout(d time.Duration) StepOption {
	return func(s *stepSettings) { s.timeout = d }
}

// Step appends a step node executing body.
func (b *Builder[S]) Step(name string, body StepFunc[S], opts ...StepOption) *Builder[S] {
	b.declare(name)
	if body == nil {
		b.errorf("step %q has no body", name)
		return b
	}
	n := &node[S]{kind: kindStep, name: name, body: body}
	applyStepOptions(n, opts)
	b.nodes = append(b.nodes, n)
	return b
}

// Send appends a node that builds a request from state, dispatches it
// through the engine's dispatcher and assigns the typed response back into
// state. A nil assign discards the response.
func Send[S State, Req, Res any](b *Builder[S], name string, build func(s S) Req, assign func(s S, res Res), opts ...StepOption) *Builder[S] {
	b.declare(name)
	if build == nil {
		b.errorf("send %q has no request builder", name)
		return b
	}
	n := &node[S]{kind: kindSend, name: name}
	n.dispatch = func(ctx context.Context, d Dispatcher, s S) error {
		if d == nil {
			return result.Configurationf("send %q: engine has no dispatcher", name)
		}
		v, err := d.Dispatch(ctx, build(s))
		if err != nil {
			return err
		}
		if assign == nil {
			return nil
		}
		if v == nil {
			var zero Res
			assign(s, zero)
			return nil
		}
		res, ok := v.(Res)
		if !ok {
			return result.Configurationf("send %q: handler responded with %T, want %s",
				name, v, reflect.TypeOf((*Res)(nil)).Elem())
		}
		assign(s, res)
		return nil
	}
	applyStepOptions(n, opts)
	b.nodes = append(b.nodes, n)
	return b
}

// Compensate attaches an undo body to the previous step or send node. When
// a later node fails, completed compensators run in reverse completion
// order.
func (b *Builder[S]) Compensate(fn StepFunc[S]) *Builder[S] {
	if fn == nil {
		b.errorf("nil compensation in flow %q", b.bc.flowName)
		return b
	}
	last := b.lastNode(kindStep, kindSend)
	if last == nil {
		b.errorf("Compensate must directly follow a step or send")
		return b
	}
	if last.compensate != nil {
		b.errorf("step %q already has a compensation", last.name)
		return b
	}
	last.compensate = fn
	return b
}

// If appends a conditional node and opens its then branch. Continue the
// chain with ElseIf and Else; any other builder call closes the
// conditional.
func (b *Builder[S]) If(name string, pred func(s S) bool, then func(b *Builder[S])) *IfBuilder[S] {
	b.declare(name)
	n := &node[S]{kind: kindIf, name: name}
	ib := &IfBuilder[S]{Builder: b, n: n}
	if pred == nil {
		b.errorf("if %q has a nil predicate", name)
		return ib
	}
	n.branches = append(n.branches, branch[S]{label: "then", cond: pred, nodes: b.subNodes(name+"/then", then)})
	b.nodes = append(b.nodes, n)
	return ib
}

// IfBuilder extends a conditional with ElseIf and Else arms. It embeds the
// parent builder, so the main chain continues seamlessly after the last
// arm.
type IfBuilder[S State] struct {
	*Builder[S]
	n      *node[S]
	sealed bool
}

// ElseIf appends an arm evaluated when no earlier arm matched.
func (ib *IfBuilder[S]) ElseIf(pred func(s S) bool, body func(b *Builder[S])) *IfBuilder[S] {
	if ib.sealed {
		ib.errorf("ElseIf after Else on %q", ib.n.name)
		return ib
	}
	if pred == nil {
		ib.errorf("if %q has a nil else-if predicate", ib.n.name)
		return ib
	}
	label := fmt.Sprintf("elseif-%d", len(ib.n.branches))
	ib.n.branches = append(ib.n.branches, branch[S]{label: label, cond: pred, nodes: ib.subNodes(ib.n.name+"/"+label, body)})
	return ib
}

// Else appends the fallback arm and closes the conditional.
func (ib *IfBuilder[S]) Else(body func(b *Builder[S])) *Builder[S] {
	if ib.sealed {
		ib.errorf("duplicate Else on %q", ib.n.name)
		return ib.Builder
	}
	ib.sealed = true
	ib.n.branches = append(ib.n.branches, branch[S]{label: "else", nodes: ib.subNodes(ib.n.name+"/else", body)})
	return ib.Builder
}

// Case is one arm of a Switch.
type Case[S State] struct {
	value      any
	body       func(b *Builder[S])
	useDefault bool
}

// CaseOf matches the selector value against value.
func CaseOf[S State](value any, body func(b *Builder[S])) Case[S] {
	return Case[S]{value: value, body: body}
}

// DefaultCase matches when no other case does. It must be the last case.
func DefaultCase[S State](body func(b *Builder[S])) Case[S] {
	return Case[S]{useDefault: true, body: body}
}

// Switch appends a value-dispatch node. Exactly one arm executes: the first
// case equal to the selector value, or the default. Without a matching arm
// the node is skipped.
func (b *Builder[S]) Switch(name string, selector func(s S) any, cases ...Case[S]) *Builder[S] {
	b.declare(name)
	n := &node[S]{kind: kindSwitch, name: name}
	if selector == nil {
		b.errorf("switch %q has a nil selector", name)
		return b
	}
	if len(cases) == 0 {
		b.errorf("switch %q has no cases", name)
		return b
	}
	for i, c := range cases {
		if c.useDefault {
			if i != len(cases)-1 {
				b.errorf("switch %q: default case must be last", name)
			}
			n.branches = append(n.branches, branch[S]{label: "default", nodes: b.subNodes(name+"/default", c.body)})
			continue
		}
		if c.value == nil || !reflect.TypeOf(c.value).Comparable() {
			b.errorf("switch %q: case %d value %v is not comparable", name, i, c.value)
			continue
		}
		label := fmt.Sprintf("case-%d", i)
		value := c.value
		cond := func(s S) bool { return selector(s) == value }
		n.branches = append(n.branches, branch[S]{label: label, cond: cond, nodes: b.subNodes(name+"/"+label, c.body)})
	}
	b.nodes = append(b.nodes, n)
	return b
}

// ForEach appends a loop over the sequence returned by items, snapshotted
// at loop entry. body runs once per item, sequentially unless Parallel is
// chained. Loop behavior is tuned by chaining Parallel, ContinueOnFailure,
// OnItemFail and OnLoopComplete directly after ForEach.
func (b *Builder[S]) ForEach(name string, items func(s S) []any, body ItemFunc[S]) *Builder[S] {
	b.declare(name)
	if items == nil {
		b.errorf("foreach %q has no sequence selector", name)
		return b
	}
	if body == nil {
		b.errorf("foreach %q has no body", name)
		return b
	}
	b.nodes = append(b.nodes, &node[S]{kind: kindForEach, name: name, items: items, itemBody: body, parallel: 1})
	return b
}

// Parallel lets up to n items of the preceding ForEach run concurrently.
func (b *Builder[S]) Parallel(n int) *Builder[S] {
	if loop := b.lastNode(kindForEach); loop == nil {
		b.errorf("Parallel must directly follow ForEach")
	} else if n < 1 {
		b.errorf("foreach %q: parallelism must be at least 1, got %d", loop.name, n)
	} else {
		loop.parallel = n
	}
	return b
}

// ContinueOnFailure makes the preceding ForEach record item failures and
// keep iterating instead of failing on the first one.
func (b *Builder[S]) ContinueOnFailure() *Builder[S] {
	if loop := b.lastNode(kindForEach); loop == nil {
		b.errorf("ContinueOnFailure must directly follow ForEach")
	} else {
		loop.loop.continueOnFailure = true
	}
	return b
}

// OnItemFail installs a per-item failure hook on the preceding ForEach.
func (b *Builder[S]) OnItemFail(hook ItemFailFunc[S]) *Builder[S] {
	if loop := b.lastNode(kindForEach); loop == nil {
		b.errorf("OnItemFail must directly follow ForEach")
	} else {
		loop.loop.onItemFail = hook
	}
	return b
}

// OnLoopComplete runs fn exactly once after the preceding ForEach finishes,
// including over an empty sequence.
func (b *Builder[S]) OnLoopComplete(fn StepFunc[S]) *Builder[S] {
	if loop := b.lastNode(kindForEach); loop == nil {
		b.errorf("OnLoopComplete must directly follow ForEach")
	} else {
		loop.onComplete = fn
	}
	return b
}

// WhenAll appends a node that runs every branch concurrently and succeeds
// only when all of them do. The first branch failure cancels the others.
func (b *Builder[S]) WhenAll(name string, branches ...func(b *Builder[S])) *Builder[S] {
	return b.parallelNode(kindWhenAll, name, branches)
}

// WhenAny appends a node that runs every branch concurrently and succeeds
// with the first branch that does, cancelling the rest. It fails only when
// every branch fails.
func (b *Builder[S]) WhenAny(name string, branches ...func(b *Builder[S])) *Builder[S] {
	return b.parallelNode(kindWhenAny, name, branches)
}

func (b *Builder[S]) parallelNode(kind nodeKind, name string, branches []func(b *Builder[S])) *Builder[S] {
	b.declare(name)
	if len(branches) == 0 {
		b.errorf("%s %q has no branches", kind, name)
		return b
	}
	n := &node[S]{kind: kind, name: name}
	for i, fn := range branches {
		label := fmt.Sprintf("branch-%d", i)
		n.branches = append(n.branches, branch[S]{label: label, nodes: b.subNodes(name+"/"+label, fn)})
	}
	b.nodes = append(b.nodes, n)
	return b
}

// Build validates the definition and returns the immutable flow.
func (b *Builder[S]) Build() (*Flow[S], error) {
	if len(b.nodes) == 0 {
		b.errorf("flow %q has no nodes", b.bc.flowName)
	}
	if len(b.bc.errs) > 0 {
		return nil, result.Wrapf(result.KindConfiguration, errors.Join(b.bc.errs...),
			"invalid flow %q", b.bc.flowName)
	}
	f := &Flow[S]{name: b.bc.flowName, root: b.nodes, steps: make(map[string]*node[S])}
	indexSteps(f.steps, b.nodes)
	return f, nil
}

func indexSteps[S State](steps map[string]*node[S], nodes []*node[S]) {
	for _, n := range nodes {
		switch n.kind {
		case kindStep, kindSend:
			steps[n.name] = n
		default:
			for _, br := range n.branches {
				indexSteps(steps, br.nodes)
			}
		}
	}
}

// subNodes runs a branch closure against a child builder and returns the
// nodes it declared. Empty branches are build errors: the engine cannot
// descend into them.
func (b *Builder[S]) subNodes(label string, fn func(b *Builder[S])) []*node[S] {
	if fn == nil {
		b.errorf("branch %s has no body", label)
		return nil
	}
	child := &Builder[S]{bc: b.bc}
	fn(child)
	if len(child.nodes) == 0 {
		b.errorf("branch %s is empty", label)
	}
	return child.nodes
}

func (b *Builder[S]) declare(name string) {
	if name == "" {
		b.errorf("flow %q declares an unnamed node", b.bc.flowName)
		return
	}
	if _, dup := b.bc.names[name]; dup {
		b.errorf("duplicate node name %q", name)
		return
	}
	b.bc.names[name] = struct{}{}
}

func (b *Builder[S]) errorf(format string, args ...any) {
	b.bc.errs = append(b.bc.errs, fmt.Errorf(format, args...))
}

// lastNode returns the most recently appended node when its kind is one of
// kinds, else nil.
func (b *Builder[S]) lastNode(kinds ...nodeKind) *node[S] {
	if len(b.nodes) == 0 {
		return nil
	}
	last := b.nodes[len(b.nodes)-1]
	for _, k := range kinds {
		if last.kind == k {
			return last
		}
	}
	return nil
}

func applyStepOptions[S State](n *node[S], opts []StepOption) {
	var s stepSettings
	for _, opt := range opts {
		opt(&s)
	}
	n.retry = s.retry
	n.timeout = s.timeout
}
