// Package correlator matches asynchronous responses to the requests that
// produced them.
//
// Every waiter is resolved at most once: Resolve, Reject, RejectAll, Sweep and
// Cancel all remove the entry under the lock before delivering, so whichever
// runs first wins and the rest are no-ops.
package correlator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/brokerlink/internal/failure"
)

// Result is the single outcome delivered to a waiter.
type Result[T any] struct {
	Value T
	Err   error
}

// Waiter is a registered pending request.
type Waiter[T any] struct {
	ID        int64
	CreatedAt time.Time
	Deadline  time.Time

	ch    chan Result[T]
	owner *Correlator[T]
}

// Done returns a channel that receives exactly one result.
func (w *Waiter[T]) Done() <-chan Result[T] {
	return w.ch
}

// Cancel deregisters the waiter. It returns false if a result was already
// delivered, in which case the caller should read it from Done.
func (w *Waiter[T]) Cancel() bool {
	return w.owner.take(w.ID) != nil
}

// Correlator tracks pending requests for one connection.
type Correlator[T any] struct {
	lastID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*Waiter[T]

	now func() time.Time
}

// New creates an empty correlator.
func New[T any]() *Correlator[T] {
	return &Correlator[T]{
		pending: make(map[int64]*Waiter[T]),
		now:     time.Now,
	}
}

// NextID returns the next correlation id. Ids start at 1 and never repeat for
// the lifetime of the correlator.
func (c *Correlator[T]) NextID() int64 {
	return c.lastID.Add(1)
}

// Register adds a waiter for id. If id is already registered the existing
// waiter is returned.
func (c *Correlator[T]) Register(id int64, deadline time.Time) *Waiter[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.pending[id]; ok {
		return w
	}
	w := &Waiter[T]{
		ID:        id,
		CreatedAt: c.now(),
		Deadline:  deadline,
		ch:        make(chan Result[T], 1),
		owner:     c,
	}
	c.pending[id] = w
	return w
}

// Resolve delivers v to the waiter for id. Returns false if no waiter exists.
func (c *Correlator[T]) Resolve(id int64, v T) bool {
	w := c.take(id)
	if w == nil {
		return false
	}
	w.ch <- Result[T]{Value: v}
	return true
}

// Reject delivers err to the waiter for id. Returns false if no waiter exists.
func (c *Correlator[T]) Reject(id int64, err error) bool {
	w := c.take(id)
	if w == nil {
		return false
	}
	w.ch <- Result[T]{Err: err}
	return true
}

// RejectAll fails every pending waiter with err and returns how many there were.
func (c *Correlator[T]) RejectAll(err error) int {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[int64]*Waiter[T])
	c.mu.Unlock()

	for _, w := range waiters {
		w.ch <- Result[T]{Err: err}
	}
	return len(waiters)
}

// Sweep rejects waiters whose deadline is before now with RequestTimeout.
func (c *Correlator[T]) Sweep(now time.Time) int {
	var expired []*Waiter[T]

	c.mu.Lock()
	for id, w := range c.pending {
		if !w.Deadline.IsZero() && now.After(w.Deadline) {
			delete(c.pending, id)
			expired = append(expired, w)
		}
	}
	c.mu.Unlock()

	for _, w := range expired {
		w.ch <- Result[T]{Err: failure.New(failure.RequestTimeout, "request %d expired", w.ID)}
	}
	return len(expired)
}

// Run sweeps on every interval until ctx is done.
func (c *Correlator[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Len returns the number of pending waiters.
func (c *Correlator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator[T]) take(id int64) *Waiter[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return w
}
