// Package broadcast fans live pipeline events out to SSE and websocket
// subscribers. Publishing never blocks: a subscriber that cannot drain its
// buffer is dropped and must reconnect.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// Event vocabulary.
const (
	EventMessageIncoming = "message.incoming"
	EventMessageOutgoing = "message.outgoing"
	EventMessageManual   = "message.manual"
	EventMessageStatus   = "message.status_changed"
	EventActionCreated   = "action.created"
	EventActionResolved  = "action.resolved"
	EventContactPaused   = "contact.paused"
	EventContactResumed  = "contact.resumed"
	EventTurnSkipped     = "turn.skipped"
	EventQuotaExceeded   = "quota_exceeded"
	EventQueueFull       = "queue_full"
)

// SubscriberBufferSize bounds each subscriber's pending events.
const SubscriberBufferSize = 64

// Event is one hub frame. TenantID is mandatory: every event describes
// exactly one tenant's entity.
type Event struct {
	Type     string           `json:"type"`
	TenantID tenants.TenantID `json:"tenant_id"`
	Payload  map[string]any   `json:"payload,omitempty"`
	At       time.Time        `json:"at"`
}

// Subscriber receives filtered events on C until Close or a buffer overflow
// drops it.
type Subscriber struct {
	ID       string
	tenantID tenants.TenantID
	topics   map[string]bool
	C        chan Event
}

// Matches reports whether the subscriber wants this event.
func (s *Subscriber) Matches(e Event) bool {
	if s.tenantID != 0 && s.tenantID != e.TenantID {
		return false
	}
	if len(s.topics) == 0 {
		return true
	}
	return s.topics[e.Type]
}

// Hub is the in-process fan-out bus.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	dropped uint64
	relay   func(Event)
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]*Subscriber)}
}

// SetRelay installs a hook invoked for every locally published event;
// used by the cross-instance relay. Must be set before traffic starts.
func (h *Hub) SetRelay(fn func(Event)) {
	h.relay = fn
}

// Subscribe registers a subscriber. tenantID 0 receives all tenants (the
// dashboard layer performs authorization before calling this). An empty
// topics list means every event type.
func (h *Hub) Subscribe(tenantID tenants.TenantID, topics []string) *Subscriber {
	s := &Subscriber{
		ID:       uuid.New().String(),
		tenantID: tenantID,
		topics:   make(map[string]bool, len(topics)),
		C:        make(chan Event, SubscriberBufferSize),
	}
	for _, t := range topics {
		s.topics[t] = true
	}

	h.mu.Lock()
	h.subscribers[s.ID] = s
	count := len(h.subscribers)
	h.mu.Unlock()

	logrus.Debugf("[HUB] Subscriber %s joined (tenant=%d, total=%d)", s.ID, tenantID, count)
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
	if ok {
		close(s.C)
	}
}

// Publish delivers an event to every matching subscriber without blocking.
// Subscribers with a full buffer are dropped.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.publishLocal(e)
	if h.relay != nil {
		h.relay(e)
	}
}

// PublishRemote injects an event received from another instance; it skips
// the relay to avoid loops.
func (h *Hub) PublishRemote(e Event) {
	h.publishLocal(e)
}

func (h *Hub) publishLocal(e Event) {
	var overflowed []*Subscriber

	h.mu.RLock()
	for _, s := range h.subscribers {
		if !s.Matches(e) {
			continue
		}
		select {
		case s.C <- e:
		default:
			overflowed = append(overflowed, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range overflowed {
		h.mu.Lock()
		if _, still := h.subscribers[s.ID]; still {
			delete(h.subscribers, s.ID)
			h.dropped++
			close(s.C)
		}
		h.mu.Unlock()
		logrus.Warnf("[HUB] Dropped slow subscriber %s (tenant=%d)", s.ID, s.tenantID)
	}
}

// Stats returns subscriber count and total dropped subscribers.
func (h *Hub) Stats() (subscribers int, dropped uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers), h.dropped
}
