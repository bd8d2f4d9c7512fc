// Package eventbus implements the process-wide broadcast channel of typed
// RuntimeEvents described in spec.md §4.3. Unlike a fan-out that blocks
// producers on a slow consumer, this bus is lossy by design: each subscriber
// gets its own bounded buffer, and a subscriber that falls behind has its
// oldest-pending event dropped rather than stalling the publisher. Producers
// (scheduler, runtime facade) must never block on a consumer.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/flowforge/kernel/kernelmodel"
)

// DefaultBufferSize is the per-subscriber channel capacity used when Bus is
// not otherwise configured, matching the "bounded buffer, e.g. 100 events"
// guidance in spec.md §4.3.
const DefaultBufferSize = 100

// Bus fans a single producer stream out to many independent consumers.
// Safe for concurrent Publish/Subscribe/Close calls.
type Bus struct {
	bufferSize int

	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
	dropped     map[*subscription]*uint64
}

// New constructs a Bus whose subscriber channels hold bufferSize events
// before the bus starts dropping the oldest pending event for that
// subscriber. A bufferSize <= 0 uses DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize:  bufferSize,
		subscribers: make(map[*subscription]struct{}),
		dropped:     make(map[*subscription]*uint64),
	}
}

// subscription is the internal handle backing a Subscription returned to
// callers. ch is the consumer's private buffered channel.
type subscription struct {
	bus    *Bus
	ch     chan kernelmodel.RuntimeEvent
	closed bool
	mu     sync.Mutex
}

// Subscription lets a consumer drain events and unregister when done.
type Subscription struct {
	sub *subscription
}

// Events returns the channel this subscription receives events on. The
// channel is closed when Close is called.
func (s Subscription) Events() <-chan kernelmodel.RuntimeEvent {
	return s.sub.ch
}

// Close unregisters the subscription. Idempotent.
func (s Subscription) Close() {
	s.sub.mu.Lock()
	if s.sub.closed {
		s.sub.mu.Unlock()
		return
	}
	s.sub.closed = true
	s.sub.mu.Unlock()

	s.sub.bus.mu.Lock()
	delete(s.sub.bus.subscribers, s.sub)
	delete(s.sub.bus.dropped, s.sub)
	s.sub.bus.mu.Unlock()
	close(s.sub.ch)
}

// Subscribe registers a new consumer and returns its Subscription. Every
// currently registered subscriber receives every subsequently Published
// event, independent of whether other subscribers are keeping up.
func (b *Bus) Subscribe() Subscription {
	sub := &subscription{bus: b, ch: make(chan kernelmodel.RuntimeEvent, b.bufferSize)}
	var zero uint64
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.dropped[sub] = &zero
	b.mu.Unlock()
	return Subscription{sub: sub}
}

// Publish delivers event to every currently registered subscriber. Delivery
// is non-blocking: if a subscriber's buffer is full, that subscriber's
// oldest pending event is evicted to make room (see dropOldest) and its drop
// counter increments. Publish never blocks and never returns an error —
// event delivery is best-effort per spec.md §4.3/§5.
func (b *Bus) Publish(event kernelmodel.RuntimeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			b.dropOldest(sub, event)
		}
	}
}

// dropOldest evicts the oldest pending event for sub, then enqueues event.
// Called with b.mu held for read; sub.ch access itself needs no additional
// lock since channel sends/receives are already safe for concurrent use.
func (b *Bus) dropOldest(sub *subscription, event kernelmodel.RuntimeEvent) {
	select {
	case <-sub.ch:
		atomic.AddUint64(b.dropped[sub], 1)
	default:
	}
	select {
	case sub.ch <- event:
	default:
		// Buffer was refilled concurrently by another publisher goroutine;
		// give up on this event for this subscriber rather than block.
		atomic.AddUint64(b.dropped[sub], 1)
	}
}

// SubscriberCount reports how many consumers are currently registered.
// Intended for diagnostics/tests, not for control flow.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
