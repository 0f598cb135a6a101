package control

import (
	"sync"

	"github.com/foldsync/foldsync/internal/mirror"
)

// subscriberBuffer is how many undelivered events a subscriber may lag
// behind before it starts missing them.
const subscriberBuffer = 8

// Hub fans status events out to subscribers and remembers the most
// recent one so a late joiner sees the current state immediately.
type Hub struct {
	mu   sync.Mutex
	subs map[chan mirror.StatusEvent]struct{}
	last *mirror.StatusEvent
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan mirror.StatusEvent]struct{})}
}

// Publish delivers an event to every subscriber. A subscriber whose
// buffer is full misses the event; publishing never blocks the engine.
func (h *Hub) Publish(ev mirror.StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &ev
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber and replays the last known event
// onto it. The returned function removes the subscription.
func (h *Hub) Subscribe() (<-chan mirror.StatusEvent, func()) {
	ch := make(chan mirror.StatusEvent, subscriberBuffer)

	h.mu.Lock()
	if h.last != nil {
		ch <- *h.last
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}
