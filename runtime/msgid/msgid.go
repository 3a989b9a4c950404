// Package msgid generates 64-bit message identifiers that are strictly
// increasing per generator and roughly time-ordered across nodes.
//
// An ID packs a millisecond timestamp, a node number, and a per-millisecond
// sequence into one int64:
//
//	41 bits timestamp (milliseconds since 2024-01-01T00:00:00Z)
//	10 bits node
//	12 bits sequence
//
// IDs sort by generation time first, which makes them usable as idempotency
// keys, outbox ordering hints, and event metadata without a coordination
// service.
package msgid

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// epoch is 2024-01-01T00:00:00Z in Unix milliseconds.
	epoch int64 = 1704067200000

	nodeBits = 10
	seqBits  = 12

	// MaxNode is the largest node number a generator accepts.
	MaxNode = 1<<nodeBits - 1

	maxSeq         = 1<<seqBits - 1
	nodeShift      = seqBits
	timestampShift = nodeBits + seqBits
)

// ID is a 64-bit message identifier.
type ID int64

// Time returns the generation timestamp embedded in the id, at millisecond
// resolution.
func (id ID) Time() time.Time {
	return time.UnixMilli(int64(id)>>timestampShift + epoch).UTC()
}

// Node returns the node number embedded in the id.
func (id ID) Node() int {
	return int(int64(id) >> nodeShift & MaxNode)
}

// Seq returns the per-millisecond sequence embedded in the id.
func (id ID) Seq() int {
	return int(int64(id) & maxSeq)
}

// String renders the id as a decimal integer.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Parse converts the decimal form back into an ID.
func Parse(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse message id %q: %w", s, err)
	}
	return ID(n), nil
}

// Generator produces strictly increasing IDs. It is safe for concurrent
// use.
type Generator struct {
	mu   sync.Mutex
	node int64
	last int64
	seq  int64

	now func() time.Time
}

// NewGenerator returns a generator for the given node number.
func NewGenerator(node int) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, fmt.Errorf("node %d out of range [0, %d]", node, MaxNode)
	}
	return &Generator{node: int64(node), now: time.Now}, nil
}

// RandomNode derives a node number from a random UUID. Collisions across a
// cluster are possible but only weaken cross-node ordering, never
// per-generator monotonicity.
func RandomNode() int {
	u := uuid.New()
	return int(binary.BigEndian.Uint16(u[0:2])) & MaxNode
}

// Next returns the next id. IDs from one generator are strictly
// increasing even when the wall clock steps backwards: the generator then
// keeps issuing from the last observed millisecond, borrowing future
// milliseconds when a sequence overflows.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli() - epoch
	if ms < g.last {
		ms = g.last
	}
	if ms == g.last {
		g.seq = (g.seq + 1) & maxSeq
		if g.seq == 0 {
			// Sequence exhausted within this millisecond.
			g.last++
		}
	} else {
		g.last = ms
		g.seq = 0
	}
	return ID(g.last<<timestampShift | g.node<<nodeShift | g.seq)
}
