package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resource struct {
	name   string
	closed bool
}

func TestRegisterReturnsResource(t *testing.T) {
	var m Manager

	r := &resource{name: "a"}
	got := Register(&m, r, func(r *resource) error {
		r.closed = true
		return nil
	})

	assert.Same(t, r, got)
	assert.False(t, r.closed)

	require.NoError(t, m.Close())
	assert.True(t, r.closed)
}

func TestCloseRunsHooksInOrder(t *testing.T) {
	var (
		m     Manager
		order []string
	)

	for _, name := range []string{"first", "second", "third"} {
		Register(&m, name, func(s string) error {
			order = append(order, s)
			return nil
		})
	}

	require.NoError(t, m.Close())
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestFailingHooksDoNotBlockOthers(t *testing.T) {
	var (
		m     Manager
		order []int
	)

	boom := errors.New("boom")

	Register(&m, 1, func(i int) error {
		order = append(order, i)
		return boom
	})
	Register(&m, 2, func(i int) error {
		order = append(order, i)
		panic("kaboom")
	})
	Register(&m, 3, func(i int) error {
		order = append(order, i)
		return nil
	})

	err := m.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestCloseTwice(t *testing.T) {
	var (
		m     Manager
		calls int
	)

	m.Defer(func() { calls++ })

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Close(), ErrClosed)
	assert.Equal(t, 1, calls)
}

func TestRegisterAfterClose(t *testing.T) {
	var m Manager
	require.NoError(t, m.Close())

	r := &resource{}
	Register(&m, r, func(r *resource) error {
		r.closed = true
		return nil
	})
	assert.True(t, r.closed)
}
