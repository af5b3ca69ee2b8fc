package events

import (
	"sync"
)

// Queue is an unbounded FIFO backed by a ring that doubles once it is 70%
// full. Push never blocks, so a slow consumer costs memory instead of
// stalling the publisher.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int
	tail   int
	count  int
	closed bool

	pushed    int64
	popped    int64
	highWater int
	grows     int
}

// QueueStats is a point-in-time view of a queue.
type QueueStats struct {
	Depth     int
	Capacity  int
	HighWater int
	Pushed    int64
	Popped    int64
	Grows     int
}

// NewQueue creates a queue with the given starting capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 2 {
		capacity = 2
	}
	q := &Queue[T]{ring: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends v. Returns false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if limit := len(q.ring) * 7 / 10; q.count+1 >= limit {
		q.resize(len(q.ring) * 2)
	}

	q.ring[q.tail] = v
	q.tail = (q.tail + 1) % len(q.ring)
	q.count++
	q.pushed++
	if q.count > q.highWater {
		q.highWater = q.count
	}

	q.cond.Signal()
	return true
}

// Pop removes the oldest item, blocking while the queue is empty and open.
// After Close it keeps returning buffered items, then false.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.shift(), true
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.shift(), true
}

// Drain removes up to max items (all when max <= 0) without blocking.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = q.shift()
	}
	return out
}

// Close stops further pushes and wakes blocked readers.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:     q.count,
		Capacity:  len(q.ring),
		HighWater: q.highWater,
		Pushed:    q.pushed,
		Popped:    q.popped,
		Grows:     q.grows,
	}
}

// shift pops the head. Caller holds the lock and has checked count > 0.
func (q *Queue[T]) shift() T {
	var zero T
	v := q.ring[q.head]
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.popped++
	return v
}

// resize moves the live items to the front of a ring of size n.
func (q *Queue[T]) resize(n int) {
	next := make([]T, n)
	if q.count > 0 {
		if q.head < q.tail {
			copy(next, q.ring[q.head:q.tail])
		} else {
			k := copy(next, q.ring[q.head:])
			copy(next[k:], q.ring[:q.tail])
		}
	}
	q.ring = next
	q.head = 0
	q.tail = q.count
	q.grows++
}
