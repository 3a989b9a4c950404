// Package inmem provides an in-memory idempotency store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/rillflow/rill/runtime/result"
)

const sweepThreshold = 256

type record struct {
	data []byte
	// expiresAt zero means the record never expires.
	expiresAt time.Time
}

// Store keeps request results in process memory. It is safe for concurrent
// use; expired records are swept opportunistically once the map grows past
// a high-water mark.
type Store struct {
	mu      sync.Mutex
	records map[string]record
	sweepAt int
	now     func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source. Tests use it to expire records
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]record),
		sweepAt: sweepThreshold,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store implements idempotency.Store.
func (s *Store) Store(ctx context.Context, requestID string, res []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if requestID == "" {
		return result.Validationf("idempotency request id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if len(s.records) >= s.sweepAt {
		s.sweepLocked(now)
	}
	rec := record{data: append([]byte(nil), res...)}
	if ttl > 0 {
		rec.expiresAt = now.Add(ttl)
	}
	s.records[requestID] = rec
	return nil
}

// IsProcessed implements idempotency.Store.
func (s *Store) IsProcessed(ctx context.Context, requestID string) (bool, error) {
	_, ok, err := s.Get(ctx, requestID)
	return ok, err
}

// Get implements idempotency.Store.
func (s *Store) Get(ctx context.Context, requestID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return nil, false, nil
	}
	if !rec.expiresAt.IsZero() && !s.now().Before(rec.expiresAt) {
		delete(s.records, requestID)
		return nil, false, nil
	}
	return append([]byte(nil), rec.data...), true, nil
}

// Len reports how many records are stored, expired ones included until the
// next sweep.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Reset drops all records.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]record)
	s.sweepAt = sweepThreshold
}

func (s *Store) sweepLocked(now time.Time) {
	for id, rec := range s.records {
		if !rec.expiresAt.IsZero() && !now.Before(rec.expiresAt) {
			delete(s.records, id)
		}
	}
	s.sweepAt = len(s.records) * 2
	if s.sweepAt < sweepThreshold {
		s.sweepAt = sweepThreshold
	}
}
