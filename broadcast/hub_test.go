package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFiltersByTenantAndTopic(t *testing.T) {
	h := NewHub()
	tenant1All := h.Subscribe(1, nil)
	tenant1Actions := h.Subscribe(1, []string{EventActionCreated})
	tenant2 := h.Subscribe(2, nil)

	h.Publish(Event{Type: EventMessageIncoming, TenantID: 1})
	h.Publish(Event{Type: EventActionCreated, TenantID: 1})
	h.Publish(Event{Type: EventMessageIncoming, TenantID: 2})

	assert.Len(t, drain(tenant1All.C), 2)
	got := drain(tenant1Actions.C)
	require.Len(t, got, 1)
	assert.Equal(t, EventActionCreated, got[0].Type)
	assert.Len(t, drain(tenant2.C), 1)
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe(1, nil)

	for i := 0; i < SubscriberBufferSize+1; i++ {
		h.Publish(Event{Type: EventMessageIncoming, TenantID: 1})
	}

	subs, dropped := h.Stats()
	assert.Equal(t, 0, subs)
	assert.Equal(t, uint64(1), dropped)

	// The dropped subscriber's channel is closed after draining.
	count := 0
	for range slow.C {
		count++
	}
	assert.Equal(t, SubscriberBufferSize, count)
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub()
	s := h.Subscribe(1, nil)
	h.Unsubscribe(s.ID)
	h.Unsubscribe(s.ID)

	subs, _ := h.Stats()
	assert.Equal(t, 0, subs)
}

func TestPublishStampsTimestamp(t *testing.T) {
	h := NewHub()
	s := h.Subscribe(0, nil)
	h.Publish(Event{Type: EventMessageOutgoing, TenantID: 3})

	got := drain(s.C)
	require.Len(t, got, 1)
	assert.False(t, got[0].At.IsZero())
}

func drain(c chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-c:
			out = append(out, e)
		default:
			return out
		}
	}
}
