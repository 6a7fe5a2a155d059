package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBeforeWait(t *testing.T) {
	f := New[string]()
	require.NoError(t, f.Resolve("early"))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "early", v)
}

func TestWaitBeforeResolve(t *testing.T) {
	f := New[int]()

	got := make(chan int, 1)
	go func() {
		v, _ := f.Wait(context.Background())
		got <- v
	}()

	_, ok, _ := f.Get()
	assert.False(t, ok)

	require.NoError(t, f.Resolve(42))

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestWriteTwice(t *testing.T) {
	f := Resolved(1)

	assert.ErrorIs(t, f.Resolve(2), ErrResolved)
	assert.ErrorIs(t, f.Reject(errors.New("late")), ErrResolved)

	v, ok, err := f.Get()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestReject(t *testing.T) {
	boom := errors.New("boom")
	f := New[int]()
	require.NoError(t, f.Reject(boom))

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestWaitCanceled(t *testing.T) {
	f := New[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-f.Done():
		t.Fatal("future resolved by cancellation")
	default:
	}
}
