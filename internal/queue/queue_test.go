package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderAndDrain(t *testing.T) {
	q := New[int]()

	for i := range 1000 {
		require.True(t, q.Push(i))
	}
	q.Close()
	assert.False(t, q.Push(1000))

	var got []int
	for v := range q.C() {
		got = append(got, v)
	}

	require.Len(t, got, 1000)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStopDiscards(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")
	q.Stop()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after Stop")
		}
	}
}

func TestPushNeverBlocks(t *testing.T) {
	q := New[int]()
	defer q.Stop()

	done := make(chan struct{})
	go func() {
		for i := range 10000 {
			q.Push(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked without a reader")
	}

	assert.Eventually(t, func() bool { return q.Len() >= 9999 }, time.Second, time.Millisecond)
}
