package local_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillflow/rill/runtime/cluster/local"
	"github.com/rillflow/rill/runtime/result"
)

func TestTryAcquireFirstHolderWins(t *testing.T) {
	ctx := context.Background()
	locks := local.NewLocks()

	h1, held, err := locks.TryAcquire(ctx, "migrate", time.Minute)
	require.NoError(t, err)
	require.True(t, held)
	require.NotNil(t, h1)

	_, held, err = locks.TryAcquire(ctx, "migrate", time.Minute)
	require.NoError(t, err)
	assert.False(t, held, "contended lock is not granted")

	_, held, err = locks.TryAcquire(ctx, "rebuild", time.Minute)
	require.NoError(t, err)
	assert.True(t, held, "distinct keys do not contend")

	require.NoError(t, h1.Release(ctx))
	_, held, err = locks.TryAcquire(ctx, "migrate", time.Minute)
	require.NoError(t, err)
	assert.True(t, held, "released lock is free again")
}

func TestExpiredLeaseCanBeTaken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	locks := local.NewLocks(local.WithLockClock(func() time.Time { return now }))

	h1, held, err := locks.TryAcquire(ctx, "migrate", 30*time.Second)
	require.NoError(t, err)
	require.True(t, held)

	now = now.Add(31 * time.Second)
	h2, held, err := locks.TryAcquire(ctx, "migrate", 30*time.Second)
	require.NoError(t, err)
	require.True(t, held, "crashed holder's lease lapsed")

	// The stale handle can no longer release or refresh the lock.
	err = h1.Release(ctx)
	require.Error(t, err)
	assert.Equal(t, result.KindConflict, result.KindOf(err))
	err = h1.Refresh(ctx)
	require.Error(t, err)
	assert.Equal(t, result.KindConflict, result.KindOf(err))

	require.NoError(t, h2.Release(ctx))
}

func TestRefreshExtendsLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	locks := local.NewLocks(local.WithLockClock(func() time.Time { return now }))

	h, held, err := locks.TryAcquire(ctx, "migrate", 30*time.Second)
	require.NoError(t, err)
	require.True(t, held)

	now = now.Add(20 * time.Second)
	require.NoError(t, h.Refresh(ctx))

	// Past the original expiry, inside the refreshed lease.
	now = now.Add(20 * time.Second)
	_, held, err = locks.TryAcquire(ctx, "migrate", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, held)

	// Refreshing after the refreshed lease lapsed is a conflict.
	now = now.Add(31 * time.Second)
	err = h.Refresh(ctx)
	require.Error(t, err)
	assert.Equal(t, result.KindConflict, result.KindOf(err))
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	ctx := context.Background()
	locks := local.NewLocks()

	h1, held, err := locks.TryAcquire(ctx, "migrate", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	release := make(chan struct{})
	go func() {
		<-release
		_ = h1.Release(context.Background())
	}()

	acquireCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	close(release)
	h2, err := locks.Acquire(acquireCtx, "migrate", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, h2)
	require.NoError(t, h2.Release(ctx))
}

func TestAcquireIsBoundedByContext(t *testing.T) {
	ctx := context.Background()
	locks := local.NewLocks()

	_, held, err := locks.TryAcquire(ctx, "migrate", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(waitCtx, "migrate", time.Minute)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockValidation(t *testing.T) {
	ctx := context.Background()
	locks := local.NewLocks()

	_, _, err := locks.TryAcquire(ctx, "", time.Minute)
	require.Error(t, err)
	assert.Equal(t, result.KindValidation, result.KindOf(err))

	_, _, err = locks.TryAcquire(ctx, "migrate", 0)
	require.Error(t, err)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}

func TestElectorFirstClaimWins(t *testing.T) {
	ctx := context.Background()
	elector := local.NewElector()

	won, err := elector.TryBecomeLeader(ctx, "rill/leader", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = elector.TryBecomeLeader(ctx, "rill/leader", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	leader, ok, err := elector.CurrentLeader(ctx, "rill/leader")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-a", leader)

	// The incumbent re-claiming is a renewal, not a conflict.
	won, err = elector.TryBecomeLeader(ctx, "rill/leader", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestLeadershipLapsesWithoutRenewal(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	elector := local.NewElector(local.WithElectorClock(func() time.Time { return now }))

	won, err := elector.TryBecomeLeader(ctx, "rill/leader", "node-a", 15*time.Second)
	require.NoError(t, err)
	require.True(t, won)

	now = now.Add(10 * time.Second)
	ok, err := elector.Renew(ctx, "rill/leader", "node-a", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// node-a stops renewing; after the lease lapses node-b takes over.
	now = now.Add(16 * time.Second)
	_, ok, err = elector.CurrentLeader(ctx, "rill/leader")
	require.NoError(t, err)
	assert.False(t, ok, "expired claim reports a vacant key")

	won, err = elector.TryBecomeLeader(ctx, "rill/leader", "node-b", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, won)

	ok, err = elector.Renew(ctx, "rill/leader", "node-a", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "the deposed leader cannot renew")
}

func TestResignVacatesOnlyOwnClaim(t *testing.T) {
	ctx := context.Background()
	elector := local.NewElector()

	won, err := elector.TryBecomeLeader(ctx, "rill/leader", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, elector.Resign(ctx, "rill/leader", "node-b"), "a non-leader resign is a no-op")
	leader, ok, err := elector.CurrentLeader(ctx, "rill/leader")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-a", leader)

	require.NoError(t, elector.Resign(ctx, "rill/leader", "node-a"))
	_, ok, err = elector.CurrentLeader(ctx, "rill/leader")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestElectorValidation(t *testing.T) {
	ctx := context.Background()
	elector := local.NewElector()

	_, err := elector.TryBecomeLeader(ctx, "", "node-a", time.Minute)
	require.Error(t, err)
	assert.Equal(t, result.KindValidation, result.KindOf(err))

	_, err = elector.TryBecomeLeader(ctx, "rill/leader", "", time.Minute)
	require.Error(t, err)
	assert.Equal(t, result.KindValidation, result.KindOf(err))

	_, err = elector.Renew(ctx, "rill/leader", "node-a", 0)
	require.Error(t, err)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}
