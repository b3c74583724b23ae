package registry

// eventRing is a fixed-size ring buffer of TunnelEvents for one tunnel.
type eventRing struct {
	events []TunnelEvent
	head   int // next write position
	count  int // total entries written (capped at buffer size for reads)
}

func newEventRing(size int) *eventRing {
	return &eventRing{events: make([]TunnelEvent, size)}
}

// record adds an event to the ring buffer.
func (b *eventRing) record(event TunnelEvent) {
	b.events[b.head] = event
	b.head = (b.head + 1) % len(b.events)
	if b.count < len(b.events) {
		b.count++
	}
}

// history returns events in chronological order (oldest first).
func (b *eventRing) history() []TunnelEvent {
	if b.count == 0 {
		return nil
	}

	result := make([]TunnelEvent, b.count)
	if b.count < len(b.events) {
		copy(result, b.events[:b.count])
	} else {
		// Buffer is full; head is the oldest entry.
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}
