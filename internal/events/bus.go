package events

import (
	"log/slog"
	"sync"
	"time"
)

const subscriptionQueueSize = 64

// Bus fans events out to subscribers. Each subscription has its own unbounded
// queue, so Publish never blocks on a slow consumer.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	now func() time.Time
}

// NewBus creates an open bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]*Subscription),
		now:    time.Now,
	}
}

// Publish delivers e to every subscription interested in e.Type. A zero
// e.Time is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.wants(e.Type) {
			s.queue.Push(e)
		}
	}
}

// Subscribe registers interest in the given types, or in all types when none
// are given. On a closed bus the returned subscription is already closed.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	s := &Subscription{
		bus:   b,
		queue: NewQueue[Event](subscriptionQueueSize),
		out:   make(chan Event),
		done:  make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.shutdown()
		close(s.out)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump()
	return s
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Events already queued are still delivered
// before a subscription's channel closes. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
	b.logger.Debug("event bus closed", "subscribers", len(subs))
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is a stream of events of the requested types.
type Subscription struct {
	id    uint64
	bus   *Bus
	types map[Type]struct{}

	queue *Queue[Event]
	out   chan Event
	done  chan struct{}
	once  sync.Once
}

// C returns the event channel. It is closed when the subscription is closed,
// or once the queue is drained after the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close ends the subscription. Buffered events not yet received are dropped.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.shutdown()
}

// Stats returns the subscription's queue statistics.
func (s *Subscription) Stats() QueueStats {
	return s.queue.Stats()
}

func (s *Subscription) wants(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// finish stops intake. The pump delivers what is queued, then closes C.
func (s *Subscription) finish() {
	s.queue.Close()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.queue.Close()
	})
}

// pump moves events from the queue to the unbuffered output channel.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		e, ok := s.queue.Pop()
		if !ok {
			return
		}
		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
