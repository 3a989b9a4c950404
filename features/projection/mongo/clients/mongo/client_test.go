package mongo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rillflow/rill/runtime/result"
)

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{Database: "rill"})
	require.Error(t, err)
	require.Equal(t, result.KindConfiguration, result.KindOf(err))
}

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), fc))
	require.Equal(t, 1, fc.indexesCreated)
}

func TestLoadMissingCheckpoint(t *testing.T) {
	c := mustNewTestClient(t)

	_, ok, err := c.LoadCheckpoint(context.Background(), "balances")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveInsertsAndReplaces(t *testing.T) {
	c := mustNewTestClient(t)
	ctx := context.Background()

	doc := CheckpointDocument{
		Name:            "balances",
		StreamPattern:   "Account-*",
		Position:        7,
		ProcessedCount:  4,
		LastProcessedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
	require.NoError(t, c.SaveCheckpoint(ctx, doc))

	doc.Position = 12
	doc.ProcessedCount = 8
	require.NoError(t, c.SaveCheckpoint(ctx, doc))

	got, ok, err := c.LoadCheckpoint(ctx, "balances")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, doc, got)
}

func TestCheckpointsAreIndependentPerName(t *testing.T) {
	c := mustNewTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SaveCheckpoint(ctx, CheckpointDocument{Name: "balances", Position: 3}))
	require.NoError(t, c.SaveCheckpoint(ctx, CheckpointDocument{Name: "orders", Position: 9}))

	balances, ok, err := c.LoadCheckpoint(ctx, "balances")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3, balances.Position)

	orders, ok, err := c.LoadCheckpoint(ctx, "orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 9, orders.Position)
}

func mustNewTestClient(t *testing.T) *client {
	t.Helper()
	c, err := newClientWithCollection(nil, newFakeCollection(), time.Second)
	require.NoError(t, err)
	return c
}

// fakeCollection mimics the subset of MongoDB behavior the checkpoint
// client exercises: upserts and lookups keyed by name.
type fakeCollection struct {
	mu             sync.Mutex
	docs           map[string]CheckpointDocument
	indexesCreated int
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]CheckpointDocument)}
}

func (c *fakeCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := filter.(bson.M)["name"].(string)
	doc, ok := c.docs[name]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := filter.(bson.M)["name"].(string)
	set := update.(bson.M)["$set"].(bson.M)
	doc := CheckpointDocument{Name: name}
	doc.StreamPattern, _ = set["stream_pattern"].(string)
	doc.Position, _ = set["position"].(int64)
	doc.ProcessedCount, _ = set["processed_count"].(int64)
	doc.LastProcessedAt, _ = set["last_processed_at"].(time.Time)
	if _, ok := c.docs[name]; ok {
		c.docs[name] = doc
		return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	c.docs[name] = doc
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{coll: c}
}

type fakeIndexView struct {
	coll *fakeCollection
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	v.coll.mu.Lock()
	defer v.coll.mu.Unlock()
	v.coll.indexesCreated++
	return "", nil
}

type fakeSingleResult struct {
	doc CheckpointDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*val.(*CheckpointDocument) = r.doc
	return nil
}
