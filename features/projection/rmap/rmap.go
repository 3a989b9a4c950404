// Package rmap provides a replicated-map backed checkpoint store.
//
// Checkpoints live in a Pulse replicated map (rmap), which is backed by
// Redis. Every node of a multi-node deployment observes the same read-model
// positions, so a projection can resume on whichever node picks it up after
// a failover.
package rmap

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rillflow/rill/runtime/projection"
	"github.com/rillflow/rill/runtime/result"
)

// Map is the minimal replicated-map contract required by the checkpoint
// store.
//
// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`. It is
// defined here to keep the store unit-testable without Redis and to avoid
// coupling callers to a concrete Pulse implementation.
//
// Implementations must be safe for concurrent use.
type Map interface {
	Delete(ctx context.Context, key string) (string, error)
	Get(key string) (string, bool)
	Keys() []string
	Set(ctx context.Context, key, value string) (string, error)
}

// CheckpointStore persists projection checkpoints in a replicated map.
type CheckpointStore struct {
	m Map
}

const checkpointKeyPrefix = "projection:checkpoint:"

// New creates a checkpoint store backed by the given map.
func New(m Map) (*CheckpointStore, error) {
	if m == nil {
		return nil, result.Configurationf("projection rmap: map is required")
	}
	return &CheckpointStore{m: m}, nil
}

var _ projection.CheckpointStore = (*CheckpointStore)(nil)

// Load implements projection.CheckpointStore. An unknown name yields a zero
// checkpoint so new projections start from the beginning of the log.
func (s *CheckpointStore) Load(ctx context.Context, name string) (projection.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return projection.Checkpoint{}, err
	}
	val, ok := s.m.Get(checkpointKey(name))
	if !ok {
		return projection.Checkpoint{Name: name}, nil
	}
	var cp projection.Checkpoint
	if err := json.Unmarshal([]byte(val), &cp); err != nil {
		return projection.Checkpoint{}, result.Wrapf(result.KindFatal, err, "decoding checkpoint %q", name)
	}
	return cp, nil
}

// Save implements projection.CheckpointStore.
func (s *CheckpointStore) Save(ctx context.Context, cp projection.Checkpoint) error {
	if cp.Name == "" {
		return result.Validationf("checkpoint must carry a projection name")
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return result.Wrapf(result.KindValidation, err, "encoding checkpoint %q", cp.Name)
	}
	if _, err := s.m.Set(ctx, checkpointKey(cp.Name), string(b)); err != nil {
		return result.Wrapf(result.KindTransient, err, "saving checkpoint %q", cp.Name)
	}
	return nil
}

// List returns every stored checkpoint ordered by projection name, for
// operational browsing of read-model lag.
func (s *CheckpointStore) List(ctx context.Context) ([]projection.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := s.m.Keys()
	sort.Strings(keys)
	out := make([]projection.Checkpoint, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, checkpointKeyPrefix) {
			continue
		}
		cp, err := s.Load(ctx, strings.TrimPrefix(k, checkpointKeyPrefix))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Delete forgets a projection's position so its next run starts from the
// beginning of the log.
func (s *CheckpointStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := checkpointKey(name)
	if _, ok := s.m.Get(key); !ok {
		return result.NotFoundf("checkpoint %q not found", name)
	}
	if _, err := s.m.Delete(ctx, key); err != nil {
		return result.Wrapf(result.KindTransient, err, "deleting checkpoint %q", name)
	}
	return nil
}

func checkpointKey(name string) string {
	return checkpointKeyPrefix + name
}
