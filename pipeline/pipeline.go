package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swiftreplies/wabroker/broadcast"
	conversations "github.com/swiftreplies/wabroker/conversations/domain"
	"github.com/swiftreplies/wabroker/core/config"
	"github.com/swiftreplies/wabroker/transport/whatsapp"
)

// Pipeline wires the four stages together: router, debouncer, dispatcher and
// worker. Ingest is the single entry point the webhook handler calls.
type Pipeline struct {
	router     *Router
	debouncer  *Debouncer
	dispatcher *Dispatcher
	worker     *Worker

	contacts   conversations.IContactRepository
	messages   conversations.IMessageRepository
	transports *whatsapp.Manager
	hub        *broadcast.Hub

	busyReplyEnabled bool
}

func NewPipeline(cfg config.PipelineConfig, router *Router, worker *Worker,
	contacts conversations.IContactRepository, messages conversations.IMessageRepository,
	transports *whatsapp.Manager, hub *broadcast.Hub) *Pipeline {
	p := &Pipeline{
		router:           router,
		worker:           worker,
		contacts:         contacts,
		messages:         messages,
		transports:       transports,
		hub:              hub,
		busyReplyEnabled: cfg.BusyReplyEnabled,
	}
	p.dispatcher = NewDispatcher(cfg.MaxWorkers, cfg.QueueCapacity, cfg.EnqueueWait, worker.ProcessTurn, p.onReject)
	p.debouncer = NewDebouncer(cfg.DebounceWindow, cfg.DebounceFloor, cfg.MaxCoalesceSpan, p.dispatcher.Enqueue)
	return p
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	p.dispatcher.Start(ctx)
}

// Shutdown stops intake and drains in-flight turns within the budget.
func (p *Pipeline) Shutdown(budget time.Duration) {
	p.dispatcher.Shutdown(budget)
}

// Ingest routes one normalized webhook record into the debouncer. Unroutable
// records are dead-lettered inside Route and reported back as the error.
func (p *Pipeline) Ingest(msg InboundMessage) error {
	routed, err := p.router.Route(msg)
	if err != nil {
		return err
	}
	p.debouncer.Add(routed)
	return nil
}

// onReject handles a turn rejected at queue capacity: a queue_full broadcast
// always, a courtesy busy reply only when enabled.
func (p *Pipeline) onReject(turn *Turn) {
	p.hub.Publish(broadcast.Event{
		Type:     broadcast.EventQueueFull,
		TenantID: turn.Binding.TenantID,
		Payload:  map[string]any{"from": turn.FromNumber, "messages": len(turn.Messages)},
	})
	if !p.busyReplyEnabled {
		return
	}

	// Rejections happen outside any worker; bound the courtesy send.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := p.transports.Get(turn.Binding)
	res, err := client.SendText(ctx, turn.FromNumber, BusyReply)
	if err != nil {
		logrus.WithError(err).Warnf("[PIPELINE] Busy reply failed for %s", turn.Key)
		return
	}

	contact, err := p.contacts.GetOrCreate(ctx, turn.Binding.TenantID, turn.Binding.ChatbotID, turn.FromNumber, turn.ContactName)
	if err != nil {
		logrus.WithError(err).Warn("[PIPELINE] Contact resolve failed for busy reply")
		return
	}
	row := &conversations.Message{
		ProviderMessageID: res.ProviderMessageID,
		ContactID:         contact.ID,
		TenantID:          turn.Binding.TenantID,
		ChatbotID:         turn.Binding.ChatbotID,
		Direction:         conversations.DirectionOutgoing,
		MessageType:       conversations.TypeText,
		ContentText:       BusyReply,
		Status:            conversations.StatusSent,
		SentAt:            time.Now().UTC(),
		Metadata:          json.RawMessage(`{"busy_reply":true}`),
	}
	if err := p.messages.Create(ctx, row); err != nil {
		logrus.WithError(err).Warn("[PIPELINE] Failed to persist busy reply")
	}
}

// Stats aggregates pipeline gauges for the metrics endpoint.
type PipelineStats struct {
	Dispatcher     Stats  `json:"worker_pool"`
	PendingBuffers int    `json:"debounce_pending"`
	DeadLettered   uint64 `json:"dead_lettered"`
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Dispatcher:     p.dispatcher.Stats(),
		PendingBuffers: p.debouncer.PendingCount(),
		DeadLettered:   p.router.DeadLettered(),
	}
}

// InFlight exposes the single-flight mark for tests and diagnostics.
func (p *Pipeline) InFlight(key ConversationKey) bool {
	return p.dispatcher.InFlight(key)
}
