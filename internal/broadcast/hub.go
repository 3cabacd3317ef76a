package broadcast

import (
	"log/slog"
	"sync"

	"github.com/jamesbarker95/astro-meeting-intelligence/internal/event"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/metrics"
)

const defaultBufferSize = 64

// subscriber is one receiver of a session's event stream.
type subscriber struct {
	id      string
	ch      chan event.Event
	dropped uint64
}

// Hub distributes events to per-session subscriber sets. Within one
// session, events reach each subscriber in publish order; a subscriber
// whose buffer is full has events dropped rather than delaying delivery
// to the rest. Late subscribers receive future events only — there is no
// backfill of history.
type Hub struct {
	mu         sync.RWMutex
	sessions   map[string]map[string]*subscriber
	bufferSize int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	published uint64
	dropped   uint64
}

// NewHub creates a hub. bufferSize is the per-subscriber channel
// capacity; values below 1 fall back to the default. m may be nil.
func NewHub(logger *slog.Logger, bufferSize int, m *metrics.Metrics) *Hub {
	if bufferSize < 1 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		sessions:   make(map[string]map[string]*subscriber),
		bufferSize: bufferSize,
		logger:     logger,
		metrics:    m,
	}
}

// Subscribe registers a subscriber for a session and returns its event
// channel. Subscribing to a session that does not exist yet is valid; the
// channel simply receives whatever is published later. Subscribing twice
// with the same ID replaces the previous subscription and closes its
// channel.
func (h *Hub) Subscribe(sessionID, subscriberID string) <-chan event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[string]*subscriber)
		h.sessions[sessionID] = subs
	}

	if prev, ok := subs[subscriberID]; ok {
		close(prev.ch)
	}

	sub := &subscriber{
		id: subscriberID,
		ch: make(chan event.Event, h.bufferSize),
	}
	subs[subscriberID] = sub

	if h.metrics != nil {
		h.metrics.SetSubscribers(h.totalLocked())
	}

	h.logger.Debug("Subscriber joined",
		slog.String("session_id", sessionID),
		slog.String("subscriber_id", subscriberID),
	)

	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown
// session or subscriber IDs are a no-op.
func (h *Hub) Unsubscribe(sessionID, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.sessions[sessionID]
	if !ok {
		return
	}

	sub, ok := subs[subscriberID]
	if !ok {
		return
	}

	close(sub.ch)
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(h.sessions, sessionID)
	}

	if h.metrics != nil {
		h.metrics.SetSubscribers(h.totalLocked())
	}

	h.logger.Debug("Subscriber left",
		slog.String("session_id", sessionID),
		slog.String("subscriber_id", subscriberID),
	)
}

// Publish delivers ev to every current subscriber of the session. Sends
// never block: a subscriber with a full buffer loses the event and the
// drop is counted against it. Callers that need per-session ordering must
// serialize their Publish calls for that session, which the coordinator
// does by publishing under the session's registry lock.
func (h *Hub) Publish(sessionID string, ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.published++
	if h.metrics != nil {
		h.metrics.RecordEventPublished()
	}

	subs, ok := h.sessions[sessionID]
	if !ok {
		return
	}

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			h.dropped++
			if h.metrics != nil {
				h.metrics.RecordEventDropped()
			}
			h.logger.Warn("Subscriber buffer full, dropping event",
				slog.String("session_id", sessionID),
				slog.String("subscriber_id", sub.id),
				slog.String("event", string(ev.Type)),
				slog.Uint64("dropped_total", sub.dropped),
			)
		}
	}
}

// totalLocked counts subscribers across all sessions. Callers hold h.mu.
func (h *Hub) totalLocked() int {
	total := 0
	for _, subs := range h.sessions {
		total += len(subs)
	}
	return total
}

// SubscriberCount returns the number of subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Stats reports hub totals for monitoring.
type Stats struct {
	Sessions    int    `json:"sessions"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"events_published"`
	Dropped     uint64 `json:"events_dropped"`
}

// GetStats returns a snapshot of hub statistics.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Stats{
		Sessions:    len(h.sessions),
		Subscribers: h.totalLocked(),
		Published:   h.published,
		Dropped:     h.dropped,
	}
}

// Close closes every subscriber channel and clears the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, subs := range h.sessions {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	h.sessions = make(map[string]map[string]*subscriber)

	if h.metrics != nil {
		h.metrics.SetSubscribers(0)
	}
}
