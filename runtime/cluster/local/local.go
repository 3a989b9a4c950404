// Package local provides in-process cluster primitives: a lock table and
// an elector with real lease semantics. Single-node deployments get
// coordination without external infrastructure; the sole node always wins
// its elections. Tests use the package to drive multi-node scenarios
// inside one process.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rillflow/rill/runtime/cluster"
	"github.com/rillflow/rill/runtime/result"
)

const acquirePollInterval = 10 * time.Millisecond

type lease struct {
	token     string
	expiresAt time.Time
}

// Locks is an in-process lock table with expiring leases.
type Locks struct {
	mu    sync.Mutex
	table map[string]lease
	now   func() time.Time
}

// LockOption configures the lock table.
type LockOption func(*Locks)

// WithLockClock overrides the time source. Tests use it to expire leases
// without sleeping.
func WithLockClock(now func() time.Time) LockOption {
	return func(l *Locks) { l.now = now }
}

// NewLocks returns an empty lock table.
func NewLocks(opts ...LockOption) *Locks {
	l := &Locks{
		table: make(map[string]lease),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire implements cluster.Lock. It polls until the lock is free or ctx
// ends.
func (l *Locks) Acquire(ctx context.Context, key string, ttl time.Duration) (cluster.Handle, error) {
	for {
		h, held, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if held {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, result.Wrapf(result.KindOf(ctx.Err()), ctx.Err(), "acquiring lock %q", key)
		case <-time.After(acquirePollInterval):
		}
	}
}

// TryAcquire implements cluster.Lock.
func (l *Locks) TryAcquire(ctx context.Context, key string, ttl time.Duration) (cluster.Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if key == "" {
		return nil, false, result.Validationf("lock key is empty")
	}
	if ttl <= 0 {
		return nil, false, result.Validationf("lock ttl must be positive, got %s", ttl)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.table[key]; ok && now.Before(cur.expiresAt) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.table[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return &handle{locks: l, key: key, token: token, ttl: ttl}, true, nil
}

// Held reports whether key is currently locked.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.table[key]
	return ok && l.now().Before(cur.expiresAt)
}

type handle struct {
	locks *Locks
	key   string
	token string
	ttl   time.Duration
}

// Release implements cluster.Handle.
func (h *handle) Release(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.locks.mu.Lock()
	defer h.locks.mu.Unlock()
	cur, ok := h.locks.table[h.key]
	if !ok || cur.token != h.token {
		return result.Conflictf("lock %q is no longer held by this handle", h.key)
	}
	delete(h.locks.table, h.key)
	return nil
}

// Refresh implements cluster.Handle.
func (h *handle) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.locks.mu.Lock()
	defer h.locks.mu.Unlock()
	cur, ok := h.locks.table[h.key]
	if !ok || cur.token != h.token {
		return result.Conflictf("lock %q lease was lost", h.key)
	}
	if !h.locks.now().Before(cur.expiresAt) {
		// The lease lapsed; another caller may take it any moment.
		delete(h.locks.table, h.key)
		return result.Conflictf("lock %q lease expired", h.key)
	}
	h.locks.table[h.key] = lease{token: h.token, expiresAt: h.locks.now().Add(h.ttl)}
	return nil
}

type claim struct {
	nodeID    string
	expiresAt time.Time
}

// Elector is an in-process elector. First claim wins; leadership lapses
// when the lease expires without renewal.
type Elector struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

// ElectorOption configures the elector.
type ElectorOption func(*Elector)

// WithElectorClock overrides the time source.
func WithElectorClock(now func() time.Time) ElectorOption {
	return func(e *Elector) { e.now = now }
}

// NewElector returns an empty elector.
func NewElector(opts ...ElectorOption) *Elector {
	e := &Elector{
		claims: make(map[string]claim),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TryBecomeLeader implements cluster.Elector.
func (e *Elector) TryBecomeLeader(ctx context.Context, key, nodeID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if key == "" || nodeID == "" {
		return false, result.Validationf("election key and node id must be set")
	}
	if ttl <= 0 {
		return false, result.Validationf("election ttl must be positive, got %s", ttl)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if cur, ok := e.claims[key]; ok && now.Before(cur.expiresAt) && cur.nodeID != nodeID {
		return false, nil
	}
	e.claims[key] = claim{nodeID: nodeID, expiresAt: now.Add(ttl)}
	return true, nil
}

// CurrentLeader implements cluster.Elector.
func (e *Elector) CurrentLeader(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.claims[key]
	if !ok {
		return "", false, nil
	}
	if !e.now().Before(cur.expiresAt) {
		delete(e.claims, key)
		return "", false, nil
	}
	return cur.nodeID, true, nil
}

// Renew implements cluster.Elector.
func (e *Elector) Renew(ctx context.Context, key, nodeID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, result.Validationf("election ttl must be positive, got %s", ttl)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.claims[key]
	if !ok || cur.nodeID != nodeID || !e.now().Before(cur.expiresAt) {
		return false, nil
	}
	e.claims[key] = claim{nodeID: nodeID, expiresAt: e.now().Add(ttl)}
	return true, nil
}

// Resign implements cluster.Elector.
func (e *Elector) Resign(ctx context.Context, key, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.claims[key]; ok && cur.nodeID == nodeID {
		delete(e.claims, key)
	}
	return nil
}
