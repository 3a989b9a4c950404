// Package inmem provides the in-memory flow snapshot store used by tests
// and single-process deployments.
package inmem

import (
	"context"
	"sync"

	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/flow"
	"github.com/rillflow/rill/runtime/result"
)

// Store keeps flow snapshots in memory. Snapshots round-trip through a
// codec on Save and Load, so callers get the same independent copy a
// durable store would hand back after a process restart.
type Store[S flow.State] struct {
	mu    sync.RWMutex
	c     codec.Codec
	snaps map[string][]byte
	saves int
}

// Option configures a Store.
type Option[S flow.State] func(*Store[S])

// WithCodec replaces the default JSON codec.
func WithCodec[S flow.State](c codec.Codec) Option[S] {
	return func(s *Store[S]) { s.c = c }
}

// New returns an empty store.
func New[S flow.State](opts ...Option[S]) *Store[S] {
	s := &Store[S]{
		c:     codec.JSON(),
		snaps: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save implements flow.Store.
func (s *Store[S]) Save(ctx context.Context, snap *flow.Snapshot[S]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil || snap.FlowID == "" {
		return result.Validationf("snapshot must carry a flow id")
	}
	data, err := s.c.Marshal(snap)
	if err != nil {
		return result.Wrapf(result.KindValidation, err, "encode flow %q", snap.FlowID)
	}
	s.mu.Lock()
	s.snaps[snap.FlowID] = data
	s.saves++
	s.mu.Unlock()
	return nil
}

// Load implements flow.Store.
func (s *Store[S]) Load(ctx context.Context, flowID string) (*flow.Snapshot[S], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.snaps[flowID]
	s.mu.RUnlock()
	if !ok {
		return nil, &flow.NotFoundError{FlowID: flowID}
	}
	var snap flow.Snapshot[S]
	if err := s.c.Unmarshal(data, &snap); err != nil {
		return nil, result.Wrapf(result.KindFatal, err, "decode flow %q", flowID)
	}
	return &snap, nil
}

// Delete implements flow.Store. Unknown flow ids are a no-op.
func (s *Store[S]) Delete(ctx context.Context, flowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.snaps, flowID)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored snapshots.
func (s *Store[S]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

// Saves reports how many times Save ran, across all flows. Tests use it to
// assert that progress hits the store at every node boundary.
func (s *Store[S]) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Reset drops all snapshots and counters.
func (s *Store[S]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = make(map[string][]byte)
	s.saves = 0
}
