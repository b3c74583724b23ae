// Package bus fans tunnel events out to all active subscribers. Each
// subscriber gets its own bounded channel; a subscriber that stalls past its
// buffer is dropped and its channel closed, signalling it to resynchronize
// from a fresh registry snapshot. Publication never blocks, so a slow SSE
// client cannot back-pressure the supervisor.
package bus

import (
	"log"
	"sync"

	"github.com/tunneld/tunneld/internal/registry"
)

// Subscription is one subscriber's view of the event stream. C is closed when
// the subscriber is unsubscribed, the bus shuts down, or the subscriber
// overflowed its buffer; Dropped distinguishes the overflow case.
type Subscription struct {
	C <-chan registry.TunnelEvent

	id      uint64
	ch      chan registry.TunnelEvent
	dropped bool // written under the bus mutex before ch is closed
}

// Dropped reports whether the subscription was terminated because the
// subscriber fell too far behind. Only meaningful after C is closed.
func (s *Subscription) Dropped() bool {
	return s.dropped
}

// Broadcaster distributes published events to every subscriber in publish
// order.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
}

// New creates a Broadcaster with the given per-subscriber buffer size.
func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The caller must drain C promptly or
// accept being dropped on overflow.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID}
	sub.ch = make(chan registry.TunnelEvent, b.buffer)
	sub.C = sub.ch
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers an event to every subscriber. A subscriber whose buffer is
// full is dropped: its channel is closed so the consumer sees a terminated
// stream rather than a silent gap.
func (b *Broadcaster) Publish(ev registry.TunnelEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(b.subs, id)
			sub.dropped = true
			close(sub.ch)
			log.Printf("Event bus: subscriber %d overflowed (buffer %d), dropped", id, b.buffer)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates all subscriptions. Used during daemon shutdown; clients
// see their streams end and reconnect when the daemon returns.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
