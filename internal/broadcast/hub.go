// ABOUTME: In-memory fan-out hub pushing state deltas to connected clients
// ABOUTME: Per-subscriber buffered channels, drop-on-full, targeted notification

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Hub distributes Events to all attached client sessions. Every state
// delta goes to every subscriber; desk clients all observe the same
// claims and presence. SendTo targets one session, used for the
// auto-release notice to the former holder.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event // subscription id -> channel
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]chan *Event),
		logger:      logger.With("component", "broadcast"),
	}
}

// Subscribe attaches a subscriber under the given id (normally the
// session token, so SendTo can target it). An empty id gets a
// generated one. Returns the event channel and the effective id. The
// subscription is cleaned up when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, id string) (<-chan *Event, string) {
	if id == "" {
		id = uuid.New().String()
	}
	ch := make(chan *Event, subscriberBufferSize)

	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", id)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		h.Unsubscribe(id)
	}()

	return ch, id
}

// Publish sends an event to every subscriber. Non-blocking: events are
// dropped for subscribers whose channels are full. The sends happen
// under the read lock: Unsubscribe and Close only close channels under
// the write lock, so a send can never hit a closed channel.
func (h *Hub) Publish(event *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Debug("dropped event for slow subscriber", "event_type", event.Type)
		}
	}
}

// SendTo delivers an event to one subscriber. Returns false if the
// subscriber is unknown or its channel is full. Like Publish, the send
// stays under the read lock so it cannot race a channel close.
func (h *Hub) SendTo(id string, event *Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.subscribers[id]
	if !ok {
		return false
	}

	select {
	case ch <- event:
		return true
	default:
		h.logger.Debug("dropped targeted event for slow subscriber", "sub_id", id, "event_type", event.Type)
		return false
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[id]
	if !ok {
		return
	}

	delete(h.subscribers, id)
	close(ch)
	h.logger.Debug("subscriber removed", "sub_id", id)
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}

	h.logger.Debug("hub closed")
}
