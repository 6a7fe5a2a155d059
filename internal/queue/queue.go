// Package queue implements an unbounded FIFO drained through a channel, so
// producers never block on a slow consumer.
package queue

import "sync"

type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	signal   chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	out      chan T
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		out:    make(chan T),
	}
	go q.pump()

	return q
}

// C delivers queued items in push order. It is closed after Close once the
// backlog is drained, or right away after Stop.
func (q *Queue[T]) C() <-chan T {
	return q.out
}

// Push appends v. It reports false if the queue no longer accepts items.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.wake()

	return true
}

// Close stops accepting items; the backlog is still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wake()
}

// Stop discards the backlog and closes C.
func (q *Queue[T]) Stop() {
	q.Close()
	q.quitOnce.Do(func() { close(q.quit) })
}

// Len reports the number of undelivered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) pump() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}

			select {
			case <-q.signal:
			case <-q.quit:
				return
			}
			continue
		}

		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.quit:
			return
		}
	}
}
