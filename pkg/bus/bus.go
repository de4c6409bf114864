// Package bus provides the in-process fan-out channel for coordination
// events. Every subscriber receives every event in emission order; filtering
// is the subscription service's job.
package bus

import (
	"context"
	"sync"

	"github.com/routa-project/routa/pkg/models"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// subscriber pairs the receive channel with a done signal. done is closed
// first, under b.mu, so emitters blocked on a full ch bail out; ch itself is
// closed only under emitMu, when no emitter can be sending on it.
type subscriber struct {
	ch   chan models.AgentEvent
	done chan struct{}
}

// Bus fans out AgentEvents to all active subscribers. Each session owns its
// own Bus; there is no process-wide instance.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	buffer      int
	closed      bool

	// emitMu serializes deliveries so every subscriber observes the same
	// global emission order even when emitters race. It also excludes
	// emitters while a subscriber channel is being closed.
	emitMu sync.Mutex
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus *Bus
	id  int
	sub *subscriber
}

// Events returns the subscriber's receive channel. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) Events() <-chan models.AgentEvent { return s.sub.ch }

// Close removes the subscription from the bus.
func (s *Subscription) Close() { s.bus.unsubscribe(s.id) }

// New creates a bus with the given per-subscriber buffer capacity.
// buffer ≤ 0 uses DefaultBuffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		buffer:      buffer,
	}
}

// Subscribe registers a new subscriber. Events emitted after Subscribe
// returns are guaranteed to be delivered in emission order.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:   make(chan models.AgentEvent, b.buffer),
		done: make(chan struct{}),
	}
	if b.closed {
		close(sub.ch)
		return &Subscription{bus: b, id: id, sub: sub}
	}
	b.subscribers[id] = sub
	return &Subscription{bus: b, id: id, sub: sub}
}

// Emit delivers the event to every active subscriber, suspending until each
// accepts it or ctx is cancelled. A subscriber that closes mid-emit is
// skipped. This is the core path: tool mutations are observable only after
// Emit returns.
func (b *Bus) Emit(ctx context.Context, event models.AgentEvent) error {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	for _, s := range b.snapshot() {
		select {
		case s.ch <- event:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TryEmit delivers the event without blocking. It returns true only when
// every active subscriber accepted the event; subscribers with full buffers
// are skipped. Used only by best-effort mirrors.
func (b *Bus) TryEmit(event models.AgentEvent) bool {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	accepted := true
	for _, s := range b.snapshot() {
		select {
		case s.ch <- event:
		default:
			accepted = false
		}
	}
	return accepted
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close shuts the bus down and closes all subscriber channels. Emit and
// TryEmit become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscribers))
	for id, s := range b.subscribers {
		close(s.done)
		subs = append(subs, s)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	for _, s := range subs {
		close(s.ch)
	}
}

// snapshot copies the subscriber list so sends happen outside b.mu. Callers
// hold emitMu, which makes the send-vs-close race impossible: a channel in
// the snapshot cannot be closed until emitMu is released.
func (b *Bus) snapshot() []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	out := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		out = append(out, s)
	}
	return out
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	s, ok := b.subscribers[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, id)
	close(s.done)
	b.mu.Unlock()

	// done is closed, so a blocked emitter releases emitMu; only then is the
	// receive channel closed.
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	close(s.ch)
}
