// Package inmem provides an in-memory outbox store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rillflow/rill/runtime/outbox"
	"github.com/rillflow/rill/runtime/result"
)

// Store keeps outbox messages in process memory. It is safe for concurrent
// use.
type Store struct {
	mu   sync.RWMutex
	msgs map[string]*outbox.Message
}

// New returns an empty store.
func New() *Store {
	return &Store{msgs: make(map[string]*outbox.Message)}
}

// Add implements outbox.Store.
func (s *Store) Add(ctx context.Context, msg outbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		return result.Validationf("outbox message id is empty")
	}
	if msg.Type == "" {
		return result.Validationf("outbox message %q has no type", msg.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[msg.ID]; ok {
		return result.Conflictf("outbox message %q already exists", msg.ID)
	}
	s.msgs[msg.ID] = copyMessage(msg)
	return nil
}

// GetPending implements outbox.Store. Messages come back oldest first, ties
// broken by id, so replays are deterministic.
func (s *Store) GetPending(ctx context.Context, limit int) ([]outbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, result.Validationf("outbox limit must be positive, got %d", limit)
	}
	s.mu.RLock()
	pending := make([]outbox.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.ProcessedAt == nil {
			pending = append(pending, *copyMessage(*m))
		}
	}
	s.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkAsProcessed implements outbox.Store. Acking an unknown or already
// processed message is a no-op: the processor may ack twice after a crash.
func (s *Store) MarkAsProcessed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.ProcessedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	m.ProcessedAt = &now
	return nil
}

// IncrementAttempts implements outbox.Store.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return 0, &outbox.NotFoundError{ID: id}
	}
	m.Attempts++
	return m.Attempts, nil
}

// Lookup returns the stored message, processed or not. Tests use it to
// inspect ack state and attempt counters.
func (s *Store) Lookup(id string) (outbox.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return outbox.Message{}, false
	}
	return *copyMessage(*m), true
}

// PendingCount reports how many messages await dispatch.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.msgs {
		if m.ProcessedAt == nil {
			n++
		}
	}
	return n
}

// Len reports the total number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Reset drops all messages.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = make(map[string]*outbox.Message)
}

func copyMessage(m outbox.Message) *outbox.Message {
	cp := m
	if m.Payload != nil {
		cp.Payload = append([]byte(nil), m.Payload...)
	}
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}
