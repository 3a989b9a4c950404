// Package inmem provides the in-memory event store used by tests and
// single-process deployments. Appends are linearizable per store; envelopes
// returned to callers are copies.
package inmem

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/result"
)

// Store is an in-memory eventstore.Store with append notifications.
type Store struct {
	mu       sync.RWMutex
	streams  map[string][]eventstore.EventEnvelope
	global   []eventstore.EventEnvelope
	seq      int64
	watchers map[chan struct{}]struct{}

	registry *codec.Registry
	now      func() time.Time
}

var (
	_ eventstore.Store   = (*Store)(nil)
	_ eventstore.Watcher = (*Store)(nil)
)

// Option configures the store.
type Option func(*Store)

// WithRegistry makes the store stamp envelope type names from the given
// registry instead of Go type strings, matching what durable backends
// persist.
func WithRegistry(reg *codec.Registry) Option {
	return func(s *Store) { s.registry = reg }
}

// New returns an empty in-memory event store.
func New(opts ...Option) *Store {
	s := &Store{
		streams:  make(map[string][]eventstore.EventEnvelope),
		watchers: make(map[chan struct{}]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, events []any, expectedVersion int64, opts ...eventstore.AppendOption) (int64, error) {
	if streamID == "" {
		return 0, result.Validationf("stream id must not be empty")
	}
	if len(events) == 0 {
		return 0, result.Validationf("append to %q carries no events", streamID)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	o := eventstore.BuildAppendOptions(opts)

	s.mu.Lock()
	current := int64(len(s.streams[streamID]))
	if expectedVersion != eventstore.AnyVersion && expectedVersion != current {
		s.mu.Unlock()
		return 0, &eventstore.ConcurrencyError{StreamID: streamID, Expected: expectedVersion, Current: current}
	}
	now := s.now().UTC()
	for i, ev := range events {
		s.seq++
		env := eventstore.EventEnvelope{
			StreamID:  streamID,
			Version:   current + int64(i) + 1,
			GlobalSeq: s.seq,
			Type:      s.typeName(ev),
			Event:     ev,
			Timestamp: now,
			Metadata:  cloneMetadata(o.Metadata),
		}
		s.streams[streamID] = append(s.streams[streamID], env)
		s.global = append(s.global, env)
	}
	version := int64(len(s.streams[streamID]))
	s.notifyLocked()
	s.mu.Unlock()
	return version, nil
}

// Read implements eventstore.Store. A missing stream reads as empty at
// version 0.
func (s *Store) Read(ctx context.Context, streamID string, fromVersion, maxCount int64) (eventstore.Stream, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.Stream{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.streams[streamID]
	if !ok {
		return eventstore.Stream{ID: streamID}, nil
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	version := int64(len(events))
	start := fromVersion - 1
	if start >= version {
		return eventstore.Stream{ID: streamID, Version: version}, nil
	}
	end := version
	if maxCount > 0 && start+maxCount < end {
		end = start + maxCount
	}
	out := make([]eventstore.EventEnvelope, end-start)
	copy(out, events[start:end])
	return eventstore.Stream{ID: streamID, Version: version, Events: out}, nil
}

// ReadAll implements eventstore.Store.
func (s *Store) ReadAll(ctx context.Context, fromSeq int64, limit int) ([]eventstore.EventEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// The global log is ordered by sequence; skip everything at or below
	// fromSeq.
	start := sort.Search(len(s.global), func(i int) bool {
		return s.global[i].GlobalSeq > fromSeq
	})
	if start == len(s.global) {
		return nil, nil
	}
	end := len(s.global)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]eventstore.EventEnvelope, end-start)
	copy(out, s.global[start:end])
	return out, nil
}

// StreamExists implements eventstore.Store.
func (s *Store) StreamExists(ctx context.Context, streamID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[streamID]
	return ok, nil
}

// StreamVersion implements eventstore.Store. Missing streams report 0.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[streamID])), nil
}

// DeleteStream implements eventstore.Store. Deleting a missing stream is a
// no-op. Deleted events disappear from ReadAll; the global sequence is
// never reused.
func (s *Store) DeleteStream(ctx context.Context, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[streamID]; !ok {
		return nil
	}
	delete(s.streams, streamID)
	kept := s.global[:0]
	for _, env := range s.global {
		if env.StreamID != streamID {
			kept = append(kept, env)
		}
	}
	s.global = kept
	return nil
}

// ListStreams implements eventstore.Store. The pattern is a glob where "*"
// matches any run of characters; "*" alone lists every stream. Results are
// sorted.
func (s *Store) ListStreams(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := eventstore.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id := range s.streams {
		if p.Match(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Watch implements eventstore.Watcher. The channel receives a coalesced
// signal after every append until ctx is done.
func (s *Store) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}()
	return ch
}

// Reset clears all streams and watchers. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string][]eventstore.EventEnvelope)
	s.global = nil
	s.seq = 0
}

func (s *Store) notifyLocked() {
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) typeName(ev any) string {
	if s.registry != nil {
		if name, err := s.registry.NameOf(ev); err == nil {
			return name
		}
	}
	return reflect.TypeOf(ev).String()
}

func cloneMetadata(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
