// Package events implements a small publish/subscribe hub for upload
// outcome notifications. The HTTP layer streams these to the collection UI
// over a websocket; the orchestrator and the retry watcher publish.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event describes one terminal upload outcome.
type Event struct {
	Type        string    `json:"type"` // "upload" or "retry"
	VolunteerID string    `json:"volunteer_id"`
	File        string    `json:"file"`
	Location    string    `json:"location"`
	Success     bool      `json:"success"`
	Timestamp   time.Time `json:"timestamp"`
}

// subscriberBuffer bounds each subscriber channel. A slow subscriber drops
// events rather than blocking publishers.
const subscriberBuffer = 16

// Hub fans events out to subscribers. Safe for concurrent use.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		logger: logger,
		subs:   make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The cancel function closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers the event to every subscriber. Events to full subscriber
// buffers are dropped — delivery is best-effort.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropping event for slow subscriber",
				slog.String("file", ev.File),
			)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}
