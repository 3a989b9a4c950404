package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillflow/rill/runtime/result"
)

func TestNewElectorRequiresClient(t *testing.T) {
	_, err := NewElector(ElectorOptions{})
	assert.Equal(t, result.KindConfiguration, result.KindOf(err))
}

func TestFirstClaimWins(t *testing.T) {
	client, _ := newTestRedis(t)
	elector, err := NewElector(ElectorOptions{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	won, err := elector.TryBecomeLeader(ctx, "workers", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = elector.TryBecomeLeader(ctx, "workers", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, won, "second candidate must lose while the lease lives")

	leader, ok, err := elector.CurrentLeader(ctx, "workers")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-a", leader)
}

func TestClaimIsReentrant(t *testing.T) {
	client, _ := newTestRedis(t)
	elector, err := NewElector(ElectorOptions{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	won, err := elector.TryBecomeLeader(ctx, "workers", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	won, err = elector.TryBecomeLeader(ctx, "workers", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "the leader reclaiming its own key stays leader")
}

func TestLeaseExpiryVacatesLeadership(t *testing.T) {
	client, mr := newTestRedis(t)
	elector, err := NewElector(ElectorOptions{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	won, err := elector.TryBecomeLeader(ctx, "workers", "node-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, won)

	mr.FastForward(100 * time.Millisecond)

	_, ok, err := elector.CurrentLeader(ctx, "workers")
	require.NoError(t, err)
	assert.False(t, ok, "expired lease leaves the key vacant")

	won, err = elector.TryBecomeLeader(ctx, "workers", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "a new candidate may claim after expiry")
}

func TestRenewKeepsLeadership(t *testing.T) {
	client, mr := newTestRedis(t)
	elector, err := NewElector(ElectorOptions{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	won, err := elector.TryBecomeLeader(ctx, "workers", "node-a", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, won)

	mr.FastForward(60 * time.Millisecond)
	renewed, err := elector.Renew(ctx, "workers", "node-a", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, renewed)
	mr.FastForward(60 * time.Millisecond)

	leader, ok, err := elector.CurrentLeader(ctx, "workers")
	require.NoError(t, err)
	require.True(t, ok, "renewed lease outlives the original ttl")
	assert.Equal(t, "node-a", leader)
}

func TestRenewAfterLossReportsFalse(t *testing.T) {
	client, mr := newTestRedis(t)
	elector, err := NewElector(ElectorOptions{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	won, err := elector.TryBecomeLeader(ctx, "workers", "node-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, won)
	mr.FastForward(100 * time.Millisecond)

	renewed, err := elector.Renew(ctx, "workers", "node-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed, "an expired lease cannot be renewed")

	// Leadership changed hands; the old leader must not renew over it.
	won, err = elector.TryBecomeLeader(ctx, "workers", "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	renewed, err = elector.Renew(ctx, "workers", "node-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestResign(t *testing.T) {
	client, _ := newTestRedis(t)
	elector, err := NewElector(ElectorOptions{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	won, err := elector.TryBecomeLeader(ctx, "workers", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// A non-leader resigning is a no-op.
	require.NoError(t, elector.Resign(ctx, "workers", "node-b"))
	leader, ok, err := elector.CurrentLeader(ctx, "workers")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-a", leader)

	require.NoError(t, elector.Resign(ctx, "workers", "node-a"))
	_, ok, err = elector.CurrentLeader(ctx, "workers")
	require.NoError(t, err)
	assert.False(t, ok, "resignation vacates the key immediately")
}

func TestElectorValidation(t *testing.T) {
	client, _ := newTestRedis(t)
	elector, err := NewElector(ElectorOptions{Client: client})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = elector.TryBecomeLeader(ctx, "", "node-a", time.Minute)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
	_, err = elector.TryBecomeLeader(ctx, "workers", "", time.Minute)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
	_, err = elector.TryBecomeLeader(ctx, "workers", "node-a", 0)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
	_, err = elector.Renew(ctx, "workers", "node-a", 0)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}

func TestElectorTransientOnBrokenConnection(t *testing.T) {
	client, mr := newTestRedis(t)
	elector, err := NewElector(ElectorOptions{Client: client})
	require.NoError(t, err)
	mr.Close()
	ctx := context.Background()

	_, err = elector.TryBecomeLeader(ctx, "workers", "node-a", time.Minute)
	assert.Equal(t, result.KindTransient, result.KindOf(err))
	_, _, err = elector.CurrentLeader(ctx, "workers")
	assert.Equal(t, result.KindTransient, result.KindOf(err))
}
