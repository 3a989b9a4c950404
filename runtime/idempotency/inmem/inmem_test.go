package inmem_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillflow/rill/runtime/idempotency/inmem"
	"github.com/rillflow/rill/runtime/result"
)

func TestStoreAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	require.NoError(t, store.Store(ctx, "req-1", []byte(`{"receipt":"r-9"}`), time.Minute))

	processed, err := store.IsProcessed(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, processed)

	data, found, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`{"receipt":"r-9"}`), data)

	processed, err = store.IsProcessed(ctx, "req-2")
	require.NoError(t, err)
	assert.False(t, processed)
	_, found, err = store.Get(ctx, "req-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreOverwritesAndRefreshesExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := inmem.New(inmem.WithClock(func() time.Time { return now }))

	require.NoError(t, store.Store(ctx, "req-1", []byte(`first`), 10*time.Second))
	now = now.Add(8 * time.Second)
	require.NoError(t, store.Store(ctx, "req-1", []byte(`second`), 10*time.Second))

	// Past the first record's expiry, inside the refreshed one.
	now = now.Add(4 * time.Second)
	data, found, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`second`), data)
}

func TestExpiredRecordIsGone(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := inmem.New(inmem.WithClock(func() time.Time { return now }))

	require.NoError(t, store.Store(ctx, "req-1", []byte(`x`), 30*time.Second))

	now = now.Add(31 * time.Second)
	_, found, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, store.Len(), "expired record dropped on read")
}

func TestZeroTTLRetainsForever(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := inmem.New(inmem.WithClock(func() time.Time { return now }))

	require.NoError(t, store.Store(ctx, "req-1", []byte(`x`), 0))
	now = now.Add(1000 * time.Hour)
	_, found, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStoredResultIsCopied(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	payload := []byte(`{"n":1}`)
	require.NoError(t, store.Store(ctx, "req-1", payload, time.Minute))
	payload[0] = 'X'

	data, found, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`{"n":1}`), data)
	data[0] = 'Y'

	again, _, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), again)
}

func TestStoreValidatesRequestID(t *testing.T) {
	err := inmem.New().Store(context.Background(), "", []byte(`x`), time.Minute)
	require.Error(t, err)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}

func TestHighWaterMarkSweepsExpiredRecords(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := inmem.New(inmem.WithClock(func() time.Time { return now }))

	for i := 0; i < 256; i++ {
		require.NoError(t, store.Store(ctx, fmt.Sprintf("req-%d", i), []byte(`x`), time.Millisecond))
	}
	require.Equal(t, 256, store.Len())

	now = now.Add(time.Second)
	require.NoError(t, store.Store(ctx, "req-fresh", []byte(`x`), time.Minute))
	assert.Equal(t, 1, store.Len())
}

func TestCancelledContextShortCircuits(t *testing.T) {
	store := inmem.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, store.Store(ctx, "req-1", nil, time.Minute), context.Canceled)
	_, err := store.IsProcessed(ctx, "req-1")
	require.ErrorIs(t, err, context.Canceled)
	_, _, err = store.Get(ctx, "req-1")
	require.ErrorIs(t, err, context.Canceled)
}
