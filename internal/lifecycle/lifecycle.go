// Package lifecycle releases registered resources in a fixed order.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by a second call to Close.
var ErrClosed = errors.New("lifecycle: already closed")

type hook func() error

// Manager collects teardown hooks and runs them once on Close.
//
// The zero value is ready to use.
type Manager struct {
	mu     sync.Mutex
	hooks  []hook
	closed bool
}

// Register records teardown for resource and returns resource unchanged, so
// registration can wrap the expression that creates it. If m is already
// closed, teardown runs immediately.
func Register[T any](m *Manager, resource T, teardown func(T) error) T {
	h := func() error {
		return teardown(resource)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = run(h)
		return resource
	}
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()

	return resource
}

// Defer registers a teardown with no associated resource.
func (m *Manager) Defer(fn func()) {
	Register(m, fn, func(f func()) error {
		f()
		return nil
	})
}

// Close runs every hook in registration order. A failing or panicking hook
// does not stop the ones after it; their errors are joined. Closing twice is
// not supported and returns ErrClosed without running anything.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	var errs []error
	for i, h := range hooks {
		if err := run(h); err != nil {
			errs = append(errs, fmt.Errorf("hook %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func run(h hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return h()
}
