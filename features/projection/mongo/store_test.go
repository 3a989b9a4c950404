package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientsmongo "github.com/rillflow/rill/features/projection/mongo/clients/mongo"
	"github.com/rillflow/rill/runtime/projection"
	"github.com/rillflow/rill/runtime/result"
)

func TestNewCheckpointStoreRequiresClient(t *testing.T) {
	_, err := NewCheckpointStore(Options{})
	require.Error(t, err)
	require.Equal(t, result.KindConfiguration, result.KindOf(err))
}

func TestLoadUnknownNameReturnsZeroCheckpoint(t *testing.T) {
	store, _ := newTestStore(t)

	cp, err := store.Load(context.Background(), "balances")
	require.NoError(t, err)
	assert.Equal(t, projection.Checkpoint{Name: "balances"}, cp)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	cp := projection.Checkpoint{
		Name:            "balances",
		StreamPattern:   "Account-*",
		Position:        42,
		ProcessedCount:  17,
		LastProcessedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Load(ctx, "balances")
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}

func TestSaveUpsertsByName(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()

	cp := projection.Checkpoint{Name: "balances", Position: 10}
	require.NoError(t, store.Save(ctx, cp))
	cp.Position = 25
	cp.ProcessedCount = 9
	require.NoError(t, store.Save(ctx, cp))

	require.Len(t, fc.docs, 1)
	got, err := store.Load(ctx, "balances")
	require.NoError(t, err)
	assert.EqualValues(t, 25, got.Position)
	assert.EqualValues(t, 9, got.ProcessedCount)
}

func TestEmptyNameIsRejected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "")
	require.Error(t, err)
	assert.Equal(t, result.KindValidation, result.KindOf(err))

	err = store.Save(ctx, projection.Checkpoint{Position: 3})
	require.Error(t, err)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}

func newTestStore(t *testing.T) (*CheckpointStore, *fakeClient) {
	t.Helper()
	fc := &fakeClient{}
	store, err := NewCheckpointStore(Options{Client: fc})
	require.NoError(t, err)
	return store, fc
}

type fakeClient struct {
	docs []clientsmongo.CheckpointDocument
}

func (c *fakeClient) Name() string { return "projection-mongo" }

func (c *fakeClient) Ping(ctx context.Context) error { return nil }

func (c *fakeClient) SaveCheckpoint(ctx context.Context, doc clientsmongo.CheckpointDocument) error {
	for i := range c.docs {
		if c.docs[i].Name == doc.Name {
			c.docs[i] = doc
			return nil
		}
	}
	c.docs = append(c.docs, doc)
	return nil
}

func (c *fakeClient) LoadCheckpoint(ctx context.Context, name string) (clientsmongo.CheckpointDocument, bool, error) {
	for _, doc := range c.docs {
		if doc.Name == name {
			return doc, true, nil
		}
	}
	return clientsmongo.CheckpointDocument{}, false, nil
}
