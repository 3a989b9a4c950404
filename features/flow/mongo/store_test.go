package mongo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientsmongo "github.com/rillflow/rill/features/flow/mongo/clients/mongo"
	"github.com/rillflow/rill/runtime/flow"
	"github.com/rillflow/rill/runtime/result"
)

type shipmentState struct {
	flow.Changes

	ID    string   `json:"id"`
	Stops []string `json:"stops,omitempty"`
}

func (s *shipmentState) FlowID() string { return s.ID }

func newTestStore(t *testing.T) (*Store[*shipmentState], *fakeClient) {
	t.Helper()
	fc := newFakeClient()
	store, err := NewStore[*shipmentState](Options{Client: fc})
	require.NoError(t, err)
	return store, fc
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore[*shipmentState](Options{})
	assert.Equal(t, result.KindConfiguration, result.KindOf(err))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)
	updated := started.Add(time.Minute)

	snap := &flow.Snapshot[*shipmentState]{
		FlowID:    "ship-1",
		Flow:      "delivery",
		State:     &shipmentState{ID: "ship-1", Stops: []string{"depot"}},
		Position:  []int{2},
		Status:    flow.StatusRunning,
		Completed: []string{"load", "seal"},
		Loops: map[string]*flow.LoopFrame{
			"per-stop": {
				Items: []json.RawMessage{json.RawMessage(`"depot"`)},
				Done:  map[int]bool{0: true},
			},
		},
		StartedAt: started,
		UpdatedAt: updated,
	}
	require.NoError(t, store.Save(ctx, snap))

	// Mutations after Save must not leak into the stored copy.
	snap.State.Stops = append(snap.State.Stops, "hub")
	snap.Position[0] = 99

	got, err := store.Load(ctx, "ship-1")
	require.NoError(t, err)
	assert.Equal(t, "delivery", got.Flow)
	assert.Equal(t, []int{2}, got.Position)
	assert.Equal(t, []string{"depot"}, got.State.Stops)
	assert.Equal(t, flow.StatusRunning, got.Status)
	assert.Equal(t, []string{"load", "seal"}, got.Completed)
	assert.True(t, got.StartedAt.Equal(started))
	require.Contains(t, got.Loops, "per-stop")
	assert.True(t, got.Loops["per-stop"].Done[0])
	assert.JSONEq(t, `"depot"`, string(got.Loops["per-stop"].Items[0]))

	doc := fc.docs["ship-1"]
	assert.Equal(t, string(flow.StatusRunning), doc.Status, "status is queryable without decoding")
	assert.True(t, doc.UpdatedAt.Equal(updated))
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	snap := &flow.Snapshot[*shipmentState]{
		FlowID: "ship-1",
		Flow:   "delivery",
		State:  &shipmentState{ID: "ship-1"},
		Status: flow.StatusRunning,
	}
	require.NoError(t, store.Save(ctx, snap))

	snap.Status = flow.StatusSucceeded
	snap.Position = []int{3}
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx, "ship-1")
	require.NoError(t, err)
	assert.Equal(t, flow.StatusSucceeded, got.Status)
	assert.Equal(t, []int{3}, got.Position)
}

func TestLoadMissingFlow(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Load(context.Background(), "ghost")
	var nf *flow.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.FlowID)
	assert.Equal(t, result.KindNotFound, result.KindOf(err))
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	snap := &flow.Snapshot[*shipmentState]{
		FlowID: "ship-1",
		Flow:   "delivery",
		State:  &shipmentState{ID: "ship-1"},
		Status: flow.StatusSucceeded,
	}
	require.NoError(t, store.Save(ctx, snap))
	require.NoError(t, store.Delete(ctx, "ship-1"))
	require.NoError(t, store.Delete(ctx, "ship-1"), "deleting a missing flow is a no-op")

	_, err := store.Load(ctx, "ship-1")
	var nf *flow.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestSaveRequiresFlowID(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Save(context.Background(), &flow.Snapshot[*shipmentState]{State: &shipmentState{}})
	assert.Equal(t, result.KindValidation, result.KindOf(err))
	err = store.Save(context.Background(), nil)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}

func TestUndecodableSnapshotIsFatal(t *testing.T) {
	store, fc := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &flow.Snapshot[*shipmentState]{
		FlowID: "ship-1",
		State:  &shipmentState{ID: "ship-1"},
	}))
	doc := fc.docs["ship-1"]
	doc.Data = []byte(`{broken`)
	fc.docs["ship-1"] = doc

	_, err := store.Load(ctx, "ship-1")
	assert.Equal(t, result.KindFatal, result.KindOf(err))
}

// fakeClient is an in-memory clientsmongo.Client.
type fakeClient struct {
	mu   sync.Mutex
	docs map[string]clientsmongo.FlowDocument
}

func newFakeClient() *fakeClient {
	return &fakeClient{docs: make(map[string]clientsmongo.FlowDocument)}
}

func (f *fakeClient) Name() string { return "flow-fake" }

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) UpsertFlow(ctx context.Context, doc clientsmongo.FlowDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeClient) LoadFlow(ctx context.Context, flowID string) (clientsmongo.FlowDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[flowID]
	if !ok {
		return clientsmongo.FlowDocument{}, &flow.NotFoundError{FlowID: flowID}
	}
	return doc, nil
}

func (f *fakeClient) DeleteFlow(ctx context.Context, flowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, flowID)
	return nil
}
