// Package inmem provides the in-memory dead-letter store used by tests and
// single-process deployments.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/rillflow/rill/runtime/deadletter"
	"github.com/rillflow/rill/runtime/result"
)

// Store keeps dead letters in memory, grouped by origin queue.
type Store struct {
	mu     sync.RWMutex
	queues map[string]map[string]deadletter.DeadLetter
}

// New returns an empty store.
func New() *Store {
	return &Store{queues: make(map[string]map[string]deadletter.DeadLetter)}
}

// Add implements deadletter.Store.
func (s *Store) Add(ctx context.Context, letter deadletter.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if letter.MessageID == "" || letter.OriginQueue == "" {
		return result.Validationf("dead letter requires a message id and an origin queue")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[letter.OriginQueue]
	if !ok {
		q = make(map[string]deadletter.DeadLetter)
		s.queues[letter.OriginQueue] = q
	}
	q[letter.MessageID] = copyLetter(letter)
	return nil
}

// List implements deadletter.Store.
func (s *Store) List(ctx context.Context, queue string, offset, limit int) ([]deadletter.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, result.Validationf("list limit must be positive, got %d", limit)
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	q := s.queues[queue]
	letters := make([]deadletter.DeadLetter, 0, len(q))
	for _, l := range q {
		letters = append(letters, copyLetter(l))
	}
	s.mu.RUnlock()

	sort.Slice(letters, func(i, j int) bool {
		if !letters[i].FailedAt.Equal(letters[j].FailedAt) {
			return letters[i].FailedAt.Before(letters[j].FailedAt)
		}
		return letters[i].MessageID < letters[j].MessageID
	})
	if offset >= len(letters) {
		return nil, nil
	}
	letters = letters[offset:]
	if len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

// Remove implements deadletter.Store.
func (s *Store) Remove(ctx context.Context, queue, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[queue]
	if _, ok := q[messageID]; !ok {
		return &deadletter.NotFoundError{Queue: queue, MessageID: messageID}
	}
	delete(q, messageID)
	return nil
}

// MarkPermanent implements deadletter.Store.
func (s *Store) MarkPermanent(ctx context.Context, queue, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[queue]
	l, ok := q[messageID]
	if !ok {
		return &deadletter.NotFoundError{Queue: queue, MessageID: messageID}
	}
	l.Permanent = true
	q[messageID] = l
	return nil
}

// Requeue implements deadletter.Store.
func (s *Store) Requeue(ctx context.Context, queue, messageID string) (deadletter.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return deadletter.DeadLetter{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[queue]
	l, ok := q[messageID]
	if !ok {
		return deadletter.DeadLetter{}, &deadletter.NotFoundError{Queue: queue, MessageID: messageID}
	}
	if l.Permanent {
		return deadletter.DeadLetter{}, result.Conflictf(
			"dead letter %q on queue %q is permanent and cannot be requeued", messageID, queue)
	}
	delete(q, messageID)
	return copyLetter(l), nil
}

// Len reports the number of letters parked on queue.
func (s *Store) Len(queue string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues[queue])
}

// Reset drops every letter. Tests use it between cases.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = make(map[string]map[string]deadletter.DeadLetter)
}

func copyLetter(l deadletter.DeadLetter) deadletter.DeadLetter {
	out := l
	if l.Payload != nil {
		out.Payload = append([]byte(nil), l.Payload...)
	}
	if l.Headers != nil {
		out.Headers = make(map[string]string, len(l.Headers))
		for k, v := range l.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
