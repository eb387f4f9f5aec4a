package httpapi

import (
	"sync"

	"github.com/claritihq/tasksync/internal/ingest"
)

const streamBufferSize = 32

// StreamHub fans sync progress events out to websocket subscribers,
// keyed by user. Publish never blocks: a subscriber that cannot keep up
// loses events rather than stalling the sync loop.
type StreamHub struct {
	mu   sync.Mutex
	subs map[string]map[chan ingest.Event]struct{}
}

func NewStreamHub() *StreamHub {
	return &StreamHub{subs: map[string]map[chan ingest.Event]struct{}{}}
}

func (h *StreamHub) Publish(event ingest.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[event.UserID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a buffered event channel for the user. The caller
// must Unsubscribe with the same channel when done.
func (h *StreamHub) Subscribe(userID string) chan ingest.Event {
	ch := make(chan ingest.Event, streamBufferSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = map[chan ingest.Event]struct{}{}
	}
	h.subs[userID][ch] = struct{}{}
	return ch
}

func (h *StreamHub) Unsubscribe(userID string, ch chan ingest.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[userID]; subs != nil {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(h.subs, userID)
		}
	}
}
