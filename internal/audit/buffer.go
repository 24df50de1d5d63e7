package audit

import "sync"

// RingBuffer is a bounded, thread-safe buffer for security events.
// When full, the oldest events are dropped to make room for new ones.
type RingBuffer struct {
	mu       sync.Mutex
	events   []Event
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int

	dropped int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RingBuffer{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// Enqueue adds an event, dropping the oldest if necessary.
func (b *RingBuffer) Enqueue(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
	}

	b.events[b.head] = event
	b.head = (b.head + 1) % b.capacity
	b.count++
}

// DequeueBatch removes up to n events from the buffer, oldest first.
func (b *RingBuffer) DequeueBatch(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	n = min(n, b.count)

	result := make([]Event, n)
	for i := range n {
		result[i] = b.events[b.tail]
		b.events[b.tail] = Event{}
		b.tail = (b.tail + 1) % b.capacity
	}
	b.count -= n
	return result
}

// Requeue puts events back at the head of the queue after a failed write.
// Events that no longer fit are dropped, newest-in-buffer first.
func (b *RingBuffer) Requeue(events []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(events) - 1; i >= 0; i-- {
		if b.count >= b.capacity {
			b.dropped += int64(i + 1)
			return
		}
		b.tail = (b.tail - 1 + b.capacity) % b.capacity
		b.events[b.tail] = events[i]
		b.count++
	}
}

// Len returns the current number of events in the buffer.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns the total number of dropped events.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
