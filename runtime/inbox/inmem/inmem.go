// Package inmem provides an in-memory inbox for tests and single-process
// deployments.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/rillflow/rill/runtime/result"
)

const sweepThreshold = 256

// Store keeps consumed message ids in process memory. Expired entries are
// swept opportunistically once the ledger grows past a high-water mark, so
// steady-state memory stays proportional to the live retention window.
type Store struct {
	mu      sync.Mutex
	expiry  map[string]time.Time
	sweepAt int
	now     func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source. Tests use it to expire entries
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty inbox.
func New(opts ...Option) *Store {
	s := &Store{
		expiry:  make(map[string]time.Time),
		sweepAt: sweepThreshold,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryStore implements inbox.Store.
func (s *Store) TryStore(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if messageID == "" {
		return false, result.Validationf("inbox message id is empty")
	}
	if ttl <= 0 {
		return false, result.Validationf("inbox ttl must be positive, got %s", ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if len(s.expiry) >= s.sweepAt {
		s.sweepLocked(now)
	}
	if exp, ok := s.expiry[messageID]; ok && now.Before(exp) {
		return false, nil
	}
	s.expiry[messageID] = now.Add(ttl)
	return true, nil
}

// Sweep removes expired entries and reports how many it dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.expiry)
	s.sweepLocked(s.now())
	return before - len(s.expiry)
}

// Len reports how many ids are recorded, expired entries included until the
// next sweep.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expiry)
}

// Reset drops all recorded ids.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry = make(map[string]time.Time)
	s.sweepAt = sweepThreshold
}

func (s *Store) sweepLocked(now time.Time) {
	for id, exp := range s.expiry {
		if !now.Before(exp) {
			delete(s.expiry, id)
		}
	}
	s.sweepAt = len(s.expiry) * 2
	if s.sweepAt < sweepThreshold {
		s.sweepAt = sweepThreshold
	}
}
