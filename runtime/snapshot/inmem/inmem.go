// Package inmem provides the in-memory snapshot store.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/snapshot"
)

// Store keeps snapshots in per-stream slices sorted by version.
type Store[S any] struct {
	mu      sync.RWMutex
	streams map[string][]snapshot.Snapshot[S]
	now     func() time.Time
}

var _ snapshot.Store[struct{}] = (*Store[struct{}])(nil)

// New returns an empty in-memory snapshot store.
func New[S any]() *Store[S] {
	return &Store[S]{
		streams: make(map[string][]snapshot.Snapshot[S]),
		now:     time.Now,
	}
}

// Save implements snapshot.Store.
func (s *Store[S]) Save(ctx context.Context, streamID string, state S, version int64) error {
	if streamID == "" {
		return result.Validationf("stream id must not be empty")
	}
	if version < 1 {
		return result.Validationf("snapshot version must be at least 1, got %d", version)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := snapshot.Snapshot[S]{
		StreamID: streamID,
		Version:  version,
		State:    state,
		TakenAt:  s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.streams[streamID]
	i := sort.Search(len(snaps), func(i int) bool { return snaps[i].Version >= version })
	if i < len(snaps) && snaps[i].Version == version {
		snaps[i] = snap
		return nil
	}
	snaps = append(snaps, snapshot.Snapshot[S]{})
	copy(snaps[i+1:], snaps[i:])
	snaps[i] = snap
	s.streams[streamID] = snaps
	return nil
}

// Latest implements snapshot.Store.
func (s *Store[S]) Latest(ctx context.Context, streamID string) (snapshot.Snapshot[S], bool, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Snapshot[S]{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.streams[streamID]
	if len(snaps) == 0 {
		return snapshot.Snapshot[S]{}, false, nil
	}
	return snaps[len(snaps)-1], true, nil
}

// History implements snapshot.Store.
func (s *Store[S]) History(ctx context.Context, streamID string) ([]snapshot.Snapshot[S], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.streams[streamID]
	if len(snaps) == 0 {
		return nil, nil
	}
	out := make([]snapshot.Snapshot[S], len(snaps))
	copy(out, snaps)
	return out, nil
}

// DeleteOlderThan implements snapshot.Store.
func (s *Store[S]) DeleteOlderThan(ctx context.Context, streamID string, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.streams[streamID]
	i := sort.Search(len(snaps), func(i int) bool { return snaps[i].Version >= version })
	if i == 0 {
		return nil
	}
	kept := make([]snapshot.Snapshot[S], len(snaps)-i)
	copy(kept, snaps[i:])
	if len(kept) == 0 {
		delete(s.streams, streamID)
		return nil
	}
	s.streams[streamID] = kept
	return nil
}
