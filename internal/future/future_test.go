package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureCompletesOnce(t *testing.T) {
	f := New[int]()
	var calls int
	f.OnComplete(func(v int, err error) {
		calls++
		assert.Equal(t, 7, v)
		assert.NoError(t, err)
	})

	require.True(t, f.Complete(7))
	require.False(t, f.Complete(8))
	require.False(t, f.Fail(errors.New("late")))

	v, err, ok := f.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, calls)
	assert.True(t, f.IsDone())
}

func TestFutureOnCompleteAfterDoneRunsInline(t *testing.T) {
	f := Failed[string](errors.New("boom"))
	var got error
	f.OnComplete(func(_ string, err error) { got = err })
	require.EqualError(t, got, "boom")
}

func TestFutureWait(t *testing.T) {
	f := New[int]()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Complete(3)
	}()
	v, err := f.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	pending := New[int]()
	ctx, cancel := context.WithTimeout(t.Context(), time.Millisecond)
	defer cancel()
	_, err = pending.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestThen(t *testing.T) {
	first := New[int]()
	chained := Then(first, func(v int) *Future[string] {
		if v > 1 {
			return Completed("big")
		}
		return Completed("small")
	})
	assert.False(t, chained.IsDone())
	first.Complete(2)
	v, err, ok := chained.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "big", v)

	failed := Then(Failed[int](errors.New("nope")), func(int) *Future[string] {
		t.Fatal("continuation must not run on failure")
		return nil
	})
	_, err, _ = failed.Result()
	assert.EqualError(t, err, "nope")
}
