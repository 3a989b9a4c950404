package flow

import (
	"context"
	"time"

	"github.com/rillflow/rill/runtime/result"
)

type nodeKind int

const (
	kindStep nodeKind = iota
	kindSend
	kindIf
	kindSwitch
	kindForEach
	kindWhenAll
	kindWhenAny
)

func (k nodeKind) String() string {
	switch k {
	case kindStep:
		return "step"
	case kindSend:
		return "send"
	case kindIf:
		return "if"
	case kindSwitch:
		return "switch"
	case kindForEach:
		return "foreach"
	case kindWhenAll:
		return "when_all"
	case kindWhenAny:
		return "when_any"
	default:
		return "unknown"
	}
}

type (
	// StepFunc is a step body. It runs with the instance state and returns
	// nil on success. Bodies must be idempotent: a crash between execution
	// and the snapshot save re-runs them on resume.
	StepFunc[S State] func(ctx context.Context, s S) error

	// ItemFunc is a loop body, invoked once per sequence item.
	ItemFunc[S State] func(ctx context.Context, s S, item any) error

	// ItemFailFunc observes one failed loop item when the loop continues
	// on failure.
	ItemFailFunc[S State] func(ctx context.Context, s S, item any, err error)

	// node is one vertex of the flow tree. Exactly the fields for its kind
	// are set.
	node[S State] struct {
		kind nodeKind
		name string

		// step and send
		body       StepFunc[S]
		compensate StepFunc[S]
		retry      *RetryPolicy
		timeout    time.Duration

		// send dispatch, built by the Send builder function
		dispatch func(ctx context.Context, d Dispatcher, s S) error

		// if, switch, when_all and when_any
		branches []branch[S]

		// foreach
		items      func(s S) []any
		itemBody   ItemFunc[S]
		loop       loopPolicy[S]
		parallel   int
		onComplete StepFunc[S]
	}

	// branch is one arm of a composite node. For if and switch nodes the
	// engine descends into the first branch whose cond holds (nil matches
	// always); when_all and when_any run every branch and leave cond nil.
	branch[S State] struct {
		label string
		cond  func(s S) bool
		nodes []*node[S]
	}

	loopPolicy[S State] struct {
		continueOnFailure bool
		onItemFail        ItemFailFunc[S]
	}
)

// Flow is an immutable, validated flow definition shared by every instance.
type Flow[S State] struct {
	name  string
	root  []*node[S]
	steps map[string]*node[S]
}

// Name returns the flow definition name.
func (f *Flow[S]) Name() string { return f.name }

// resolve returns the node addressed by pos. Positions alternate a node
// ordinal with (branch, ordinal) pairs for every composite level, so valid
// positions always have odd length.
func (f *Flow[S]) resolve(pos []int) (*node[S], error) {
	if len(pos) == 0 || len(pos)%2 == 0 {
		return nil, result.Configurationf("position %v does not address flow %s", pos, f.name)
	}
	seq := f.root
	var n *node[S]
	for i := 0; i < len(pos); i += 2 {
		idx := pos[i]
		if idx < 0 || idx >= len(seq) {
			return nil, result.Configurationf("position %v out of range in flow %s", pos, f.name)
		}
		n = seq[idx]
		if i+1 == len(pos) {
			return n, nil
		}
		b := pos[i+1]
		if b < 0 || b >= len(n.branches) {
			return nil, result.Configurationf("position %v addresses branch %d of %s, which has %d", pos, b, n.name, len(n.branches))
		}
		seq = n.branches[b].nodes
	}
	return n, nil
}

// sequenceAt returns the node list containing the node addressed by pos.
func (f *Flow[S]) sequenceAt(pos []int) []*node[S] {
	seq := f.root
	for i := 0; i+1 < len(pos); i += 2 {
		seq = seq[pos[i]].branches[pos[i+1]].nodes
	}
	return seq
}

// advance moves pos past the node it addresses, popping exhausted branch
// levels. The result addresses the next node in execution order, or is
// terminal when the flow is complete.
func (f *Flow[S]) advance(pos []int) []int {
	p := append([]int(nil), pos...)
	for {
		if len(p) == 1 {
			p[0]++
			return p
		}
		seq := f.sequenceAt(p)
		p[len(p)-1]++
		if p[len(p)-1] < len(seq) {
			return p
		}
		// Branch exhausted: step out to the composite node and past it.
		p = p[:len(p)-2]
	}
}

// terminal reports whether pos is past the last root node.
func (f *Flow[S]) terminal(pos []int) bool {
	return len(pos) == 1 && pos[0] >= len(f.root)
}

// descend returns the position of the first node of branch b under the
// composite at pos.
func descend(pos []int, b int) []int {
	p := append([]int(nil), pos...)
	return append(p, b, 0)
}

// pickBranch returns the ordinal of the first branch whose condition holds,
// or -1 when none does.
func pickBranch[S State](n *node[S], s S) int {
	for i, br := range n.branches {
		if br.cond == nil || br.cond(s) {
			return i
		}
	}
	return -1
}
