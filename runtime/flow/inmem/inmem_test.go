package inmem_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillflow/rill/runtime/flow"
	"github.com/rillflow/rill/runtime/flow/inmem"
	"github.com/rillflow/rill/runtime/result"
)

type shipmentState struct {
	flow.Changes

	ID    string   `json:"id"`
	Stops []string `json:"stops,omitempty"`
}

func (s *shipmentState) FlowID() string { return s.ID }

func TestSaveLoadRoundTrip(t *testing.T) {
	store := inmem.New[*shipmentState]()
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)

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
}

func TestLoadMissingFlow(t *testing.T) {
	store := inmem.New[*shipmentState]()

	_, err := store.Load(context.Background(), "ghost")
	require.Error(t, err)
	var nf *flow.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.FlowID)
	assert.Equal(t, result.KindNotFound, result.KindOf(err))
}

func TestSaveRequiresFlowID(t *testing.T) {
	store := inmem.New[*shipmentState]()

	err := store.Save(context.Background(), &flow.Snapshot[*shipmentState]{State: &shipmentState{}})
	require.Error(t, err)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := inmem.New[*shipmentState]()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &flow.Snapshot[*shipmentState]{
		FlowID: "ship-2",
		State:  &shipmentState{ID: "ship-2"},
		Status: flow.StatusSucceeded,
	}))
	require.NoError(t, store.Delete(ctx, "ship-2"))
	require.NoError(t, store.Delete(ctx, "ship-2"))

	_, err := store.Load(ctx, "ship-2")
	var nf *flow.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestSavesCounterAndReset(t *testing.T) {
	store := inmem.New[*shipmentState]()
	ctx := context.Background()

	snap := &flow.Snapshot[*shipmentState]{
		FlowID: "ship-3",
		State:  &shipmentState{ID: "ship-3"},
		Status: flow.StatusRunning,
	}
	require.NoError(t, store.Save(ctx, snap))
	require.NoError(t, store.Save(ctx, snap))
	assert.Equal(t, 2, store.Saves())
	assert.Equal(t, 1, store.Len())

	store.Reset()
	assert.Zero(t, store.Saves())
	assert.Zero(t, store.Len())
}

func TestCancelledContextShortCircuits(t *testing.T) {
	store := inmem.New[*shipmentState]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Save(ctx, &flow.Snapshot[*shipmentState]{
		FlowID: "ship-4",
		State:  &shipmentState{ID: "ship-4"},
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = store.Load(ctx, "ship-4")
	assert.ErrorIs(t, err, context.Canceled)
}
