package pipeline

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/swiftreplies/wabroker/pkg/phone"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
	tenantsRepo "github.com/swiftreplies/wabroker/tenants/repository"
)

// Router resolves an inbound event's destination number to a tenant binding.
// Routing never looks at the sender: the same customer can talk to several
// tenants at once.
type Router struct {
	senders *tenantsRepo.SenderMap

	deadLettered atomic.Uint64
}

func NewRouter(senders *tenantsRepo.SenderMap) *Router {
	return &Router{senders: senders}
}

// Route normalizes the destination and resolves it. Unroutable events are
// parked in the dead-letter log (currently the structured log stream) and
// dropped from the pipeline.
func (r *Router) Route(msg InboundMessage) (RoutedMessage, error) {
	msg.To = phone.Normalize(msg.To)
	msg.From = phone.Normalize(msg.From)

	binding, err := r.senders.Lookup(msg.To)
	if err != nil {
		r.deadLettered.Add(1)
		logrus.WithFields(logrus.Fields{
			"to":                  msg.To,
			"from":                msg.From,
			"provider_message_id": msg.ProviderMessageID,
		}).Warn("[ROUTER] Dead-lettered event: no binding for destination")
		return RoutedMessage{}, tenants.ErrUnroutable
	}
	return RoutedMessage{Binding: binding, Msg: msg}, nil
}

// DeadLettered reports how many events were dropped as unroutable.
func (r *Router) DeadLettered() uint64 {
	return r.deadLettered.Load()
}
