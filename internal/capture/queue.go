package capture

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Take once a closed queue is drained.
var ErrQueueClosed = errors.New("capture: queue closed")

// Queue is a FIFO whose producer never blocks. When a limit is set, pushing
// onto a full queue drops the oldest item instead of blocking.
type Queue[T any] struct {
	notify chan struct{}

	mu      sync.Mutex
	items   []T
	limit   int
	dropped int
	closed  bool
}

// NewQueue returns a queue holding at most limit items. A limit <= 0 means unbounded.
func NewQueue[T any](limit int) *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		limit:  limit,
	}
}

// Push appends v. It reports false when the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, v)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Take removes and returns the oldest item, blocking until one is available.
// After Close it keeps returning queued items and then [ErrQueueClosed].
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	for len(q.items) == 0 {
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.notify:
		}
		q.mu.Lock()
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	// Keep a consumer woken by the single notification from missing the rest.
	if len(q.items) > 0 && !q.closed {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	return v, nil
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were discarded because the queue was full.
func (q *Queue[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops further pushes and wakes blocked consumers. It is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}
