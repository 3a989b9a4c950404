// Package inmem provides the in-memory checkpoint store.
package inmem

import (
	"context"
	"sync"

	"github.com/rillflow/rill/runtime/projection"
)

// CheckpointStore keeps checkpoints in a map. Loading an unknown name
// returns a zero checkpoint.
type CheckpointStore struct {
	mu  sync.RWMutex
	cps map[string]projection.Checkpoint
}

var _ projection.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore returns an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{cps: make(map[string]projection.Checkpoint)}
}

// Load implements projection.CheckpointStore.
func (s *CheckpointStore) Load(ctx context.Context, name string) (projection.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return projection.Checkpoint{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[name]
	if !ok {
		return projection.Checkpoint{Name: name}, nil
	}
	return cp, nil
}

// Save implements projection.CheckpointStore.
func (s *CheckpointStore) Save(ctx context.Context, cp projection.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.Name] = cp
	return nil
}
