// Package future provides a write-once value that readers can wait on.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrResolved is returned when a future is written a second time.
var ErrResolved = errors.New("future: already resolved")

// Future holds a value or an error that becomes known at most once. Reads
// before that point block; reads after it return immediately.
type Future[T any] struct {
	done chan struct{}

	mu  sync.Mutex
	set bool
	val T
	err error
}

// New returns an unresolved future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already holding v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	_ = f.Resolve(v)
	return f
}

// Resolve stores v. It fails with ErrResolved if the future was already
// resolved or rejected.
func (f *Future[T]) Resolve(v T) error {
	return f.complete(v, nil)
}

// Reject stores err as the outcome.
func (f *Future[T]) Reject(err error) error {
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(v T, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.set {
		return ErrResolved
	}
	f.set = true
	f.val, f.err = v, err
	close(f.done)

	return nil
}

// Done is closed once the future holds an outcome.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get returns the outcome without blocking. ok is false while unresolved.
func (f *Future[T]) Get() (v T, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.val, f.set, f.err
}

// Wait blocks until the future is resolved or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, _, err := f.Get()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
