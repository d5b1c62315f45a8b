package notify

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nkropf/datapatrol/internal/metrics"
)

// DefaultSubscriberBuffer is the per-subscriber event queue capacity.
const DefaultSubscriberBuffer = 256

// Broadcaster is an in-process fan-out Publisher. Each subscriber gets its
// own buffered channel; when a subscriber's buffer is full the event is
// dropped for that subscriber only. Events for a single investigator are
// enqueued in publish order, so per-investigator ordering holds for any
// subscriber that keeps up.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	buffer      int
	closed      bool
}

// NewBroadcaster creates a broadcaster with the given per-subscriber
// buffer capacity. Zero or negative means DefaultSubscriberBuffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		buffer:      buffer,
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed on Unsubscribe or Shutdown.
func (b *Broadcaster) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers the event to every subscriber that has buffer space.
// It never blocks.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			metrics.Get().EventsDropped.Inc()
			log.Warn().
				Str("subscriber", id).
				Str("event", string(event.Type)).
				Str("investigator", event.InvestigatorID).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Shutdown closes all subscriber channels. Publish becomes a no-op for
// new subscribers afterwards.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.closed = true
}
