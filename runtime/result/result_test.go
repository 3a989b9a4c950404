package result

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOKCarriesValue(t *testing.T) {
	r := OK(42)
	require.True(t, r.IsOK())
	require.False(t, r.Failed())
	assert.Equal(t, 42, r.Value())
	assert.NoError(t, r.Err())
}

func TestFailCarriesError(t *testing.T) {
	r := Fail[string](Conflictf("version mismatch"))
	require.True(t, r.Failed())
	assert.Equal(t, KindConflict, r.Kind())
	assert.Empty(t, r.Value())
}

func TestFailNilErrorNormalized(t *testing.T) {
	r := Fail[int](nil)
	require.True(t, r.Failed())
	assert.Equal(t, KindFatal, r.Kind())
}

func TestKindOfWalksCauseChain(t *testing.T) {
	inner := NotFoundf("stream %q", "orders-1")
	wrapped := fmt.Errorf("reading: %w", inner)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transientf("redis down")))
	assert.True(t, IsRetryable(RateLimitedf("shed")))
	assert.False(t, IsRetryable(Validationf("bad amount")))
	assert.False(t, IsRetryable(Fatalf("boom")))
}

func TestWrapPreservesCause(t *testing.T) {
	sentinel := errors.New("network unreachable")
	err := Wrap(KindTransient, sentinel, "publishing")
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestMap(t *testing.T) {
	r := Map(OK(2), func(v int) string { return fmt.Sprint(v * 10) })
	require.True(t, r.IsOK())
	assert.Equal(t, "20", r.Value())

	f := Map(Failf[int](KindNotFound, "missing"), func(v int) string { return "" })
	require.True(t, f.Failed())
	assert.Equal(t, KindNotFound, f.Kind())
}

func TestFromPanicCapturesStack(t *testing.T) {
	var err *Error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = FromPanic(r)
			}
		}()
		panic("handler exploded")
	}()
	require.NotNil(t, err)
	assert.Equal(t, KindFatal, err.Kind)
	assert.Contains(t, err.Message, "handler exploded")
	assert.NotEmpty(t, err.Stack)
}

func TestFromPanicKeepsKindedError(t *testing.T) {
	original := Conflictf("stale version")
	lifted := FromPanic(original)
	assert.Same(t, original, lifted)
}

func TestLift(t *testing.T) {
	r := Lift(7, nil)
	require.True(t, r.IsOK())
	assert.Equal(t, 7, r.Value())

	f := Lift(0, Transientf("timeout"))
	require.True(t, f.Failed())
	assert.Equal(t, KindTransient, f.Kind())
}
