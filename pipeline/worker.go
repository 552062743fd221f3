package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	actions "github.com/swiftreplies/wabroker/actions/domain"
	"github.com/swiftreplies/wabroker/agents"
	"github.com/swiftreplies/wabroker/broadcast"
	conversations "github.com/swiftreplies/wabroker/conversations/domain"
	knowledge "github.com/swiftreplies/wabroker/knowledge/domain"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
	"github.com/swiftreplies/wabroker/transport/whatsapp"
	usage "github.com/swiftreplies/wabroker/usage/domain"
)

// Worker turns one coalesced Turn into at most one customer-visible reply.
// It owns the full per-turn sequence: contact resolution, transcript
// persistence, pause and quota gates, transcription, the agent run, and the
// outbound send.
type Worker struct {
	contacts    conversations.IContactRepository
	messages    conversations.IMessageRepository
	tenantsRepo tenants.ITenantRepository
	actions     actions.IActionRepository
	usage       usage.IUsageRepository
	knowledge   knowledge.IKnowledgeRepository
	registry    *agents.Registry
	transcriber agents.Transcriber
	transports  *whatsapp.Manager
	hub         *broadcast.Hub

	agentDeadline time.Duration
	enforceQuota  bool
}

func NewWorker(
	contacts conversations.IContactRepository,
	messages conversations.IMessageRepository,
	tenantsRepo tenants.ITenantRepository,
	actionRepo actions.IActionRepository,
	usageRepo usage.IUsageRepository,
	knowledgeRepo knowledge.IKnowledgeRepository,
	registry *agents.Registry,
	transcriber agents.Transcriber,
	transports *whatsapp.Manager,
	hub *broadcast.Hub,
	agentDeadline time.Duration,
) *Worker {
	if transcriber == nil {
		transcriber = agents.NoopTranscriber{}
	}
	return &Worker{
		contacts:      contacts,
		messages:      messages,
		tenantsRepo:   tenantsRepo,
		actions:       actionRepo,
		usage:         usageRepo,
		knowledge:     knowledgeRepo,
		registry:      registry,
		transcriber:   transcriber,
		transports:    transports,
		hub:           hub,
		agentDeadline: agentDeadline,
		enforceQuota:  true,
	}
}

// WithQuotaEnforcement toggles the usage pre-check (ENABLE_USAGE_TRACKING).
// Outbound counters are still incremented so re-enabling picks up real totals.
func (w *Worker) WithQuotaEnforcement(on bool) *Worker {
	w.enforceQuota = on
	return w
}

// ProcessTurn is the dispatcher's process function.
func (w *Worker) ProcessTurn(ctx context.Context, turn *Turn) error {
	start := time.Now()
	binding := turn.Binding

	contact, err := w.contacts.GetOrCreate(ctx, binding.TenantID, binding.ChatbotID, turn.FromNumber, turn.ContactName)
	if err != nil {
		return fmt.Errorf("resolve contact: %w", err)
	}
	if err := w.contacts.TouchLastInteraction(ctx, binding.TenantID, contact.ID, turn.LastArrival); err != nil {
		logrus.WithError(err).Warn("[WORKER] Failed to touch last_interaction")
	}

	w.persistIncoming(ctx, turn, contact)

	// Paused conversations keep their transcript but never reach the agent.
	// Operators watching the stream still see the skipped turn.
	if contact.Paused {
		logrus.Infof("[WORKER] Contact %d is paused, skipping agent for %s", contact.ID, turn.Key)
		w.hub.Publish(broadcast.Event{
			Type:     broadcast.EventTurnSkipped,
			TenantID: binding.TenantID,
			Payload: map[string]any{
				"contact_id": contact.ID,
				"reason":     "paused",
			},
		})
		return nil
	}

	if w.enforceQuota {
		sub := w.subscription(ctx, binding.TenantID)
		if err := (usage.Checker{Repo: w.usage}).Check(ctx, binding.TenantID, sub, time.Now()); err != nil {
			if errors.Is(err, usage.ErrQuotaExceeded) {
				// Broadcast only: no outbound row, no transport call.
				logrus.Warnf("[WORKER] Quota exceeded for tenant %d, dropping reply for %s", binding.TenantID, turn.Key)
				w.hub.Publish(broadcast.Event{
					Type:     broadcast.EventQuotaExceeded,
					TenantID: binding.TenantID,
					Payload:  map[string]any{"contact_id": contact.ID},
				})
				return nil
			}
			logrus.WithError(err).Warn("[WORKER] Usage pre-check failed, proceeding")
		}
	}

	client := w.transports.Get(binding)
	w.transcribeAudio(ctx, turn, client)

	reply, err := w.runAgent(ctx, turn, contact, client)
	if err != nil {
		w.persistDiagnostic(ctx, turn, contact, err)
		return fmt.Errorf("agent run: %w", err)
	}
	if reply == "" {
		// A turn may legitimately end without a text reply (tool-only turns).
		logrus.Debugf("[WORKER] No final text for %s", turn.Key)
		return nil
	}

	res, sendErr := client.SendText(ctx, contact.PhoneNumber, reply)
	out := &conversations.Message{
		ContactID:            contact.ID,
		TenantID:             binding.TenantID,
		ChatbotID:            binding.ChatbotID,
		Direction:            conversations.DirectionOutgoing,
		MessageType:          conversations.TypeText,
		ContentText:          reply,
		SentAt:               time.Now().UTC(),
		AIProcessed:          true,
		ProcessingDurationMs: time.Since(start).Milliseconds(),
	}
	if sendErr != nil {
		out.Status = conversations.StatusFailed
		out.Metadata, _ = json.Marshal(map[string]string{"error": sendErr.Error()})
	} else {
		out.Status = conversations.StatusSent
		out.ProviderMessageID = res.ProviderMessageID
	}
	if err := w.messages.Create(ctx, out); err != nil {
		logrus.WithError(err).Error("[WORKER] Failed to persist outbound reply")
	}
	if sendErr != nil {
		return fmt.Errorf("send reply: %w", sendErr)
	}

	if err := w.usage.IncrementOutbound(ctx, binding.TenantID, time.Now()); err != nil {
		logrus.WithError(err).Warn("[WORKER] Usage increment failed")
	}
	w.hub.Publish(broadcast.Event{
		Type:     broadcast.EventMessageOutgoing,
		TenantID: binding.TenantID,
		Payload: map[string]any{
			"message_id":   out.ID,
			"contact_id":   contact.ID,
			"message_type": string(conversations.TypeText),
		},
	})
	return nil
}

// persistIncoming stores one transcript row per BSP record. Store errors are
// logged and skipped so one bad record cannot drop the rest of the burst.
func (w *Worker) persistIncoming(ctx context.Context, turn *Turn, contact *conversations.Contact) {
	for _, m := range turn.Messages {
		row := &conversations.Message{
			ProviderMessageID: m.ProviderMessageID,
			ContactID:         contact.ID,
			TenantID:          turn.Binding.TenantID,
			ChatbotID:         turn.Binding.ChatbotID,
			Direction:         conversations.DirectionIncoming,
			MessageType:       m.Type,
			ContentText:       m.Text,
			ContentURL:        m.MediaURL,
			Status:            conversations.StatusDelivered,
			SentAt:            m.ReceivedAt,
		}
		if m.Caption != "" {
			row.ContentText = m.Caption
		}
		if m.Type == conversations.TypeLocation {
			row.ContentText = coordText(m.Latitude, m.Longitude)
		}
		existed, err := w.messages.LogIncoming(ctx, row)
		if err != nil {
			logrus.WithError(err).Warnf("[WORKER] Failed to persist incoming %s", m.ProviderMessageID)
			continue
		}
		if existed {
			continue
		}
		w.hub.Publish(broadcast.Event{
			Type:     broadcast.EventMessageIncoming,
			TenantID: turn.Binding.TenantID,
			Payload: map[string]any{
				"message_id":   row.ID,
				"contact_id":   contact.ID,
				"message_type": string(m.Type),
			},
		})
	}
}

func (w *Worker) subscription(ctx context.Context, tenantID tenants.TenantID) tenants.Subscription {
	t, err := w.tenantsRepo.GetTenant(ctx, tenantID)
	if err != nil || t == nil {
		// Unknown tenant rows mean config-only tenants; treat as uncapped.
		return tenants.Subscription{}
	}
	return t.Subscription
}

// transcribeAudio downloads each audio attachment and fills its transcript.
// Failures degrade to a placeholder so the agent still learns audio arrived.
func (w *Worker) transcribeAudio(ctx context.Context, turn *Turn, client *whatsapp.Client) {
	for i := range turn.Attachments {
		att := &turn.Attachments[i]
		if att.Type != conversations.TypeAudio || att.URL == "" {
			continue
		}
		media, err := client.DownloadMedia(ctx, att.URL)
		if err != nil {
			logrus.WithError(err).Warn("[WORKER] Audio download failed")
			continue
		}
		text, err := w.transcriber.Transcribe(ctx, media.Data, media.ContentType)
		if err != nil {
			logrus.WithError(err).Warn("[WORKER] Transcription failed")
			continue
		}
		att.Transcript = text
	}
}

func (w *Worker) runAgent(ctx context.Context, turn *Turn, contact *conversations.Contact, client *whatsapp.Client) (string, error) {
	agent, err := w.registry.Get(turn.Binding.AgentID)
	if err != nil {
		return "", err
	}

	tc := agents.TurnContext{
		TenantID:     turn.Binding.TenantID,
		ChatbotID:    turn.Binding.ChatbotID,
		ContactID:    contact.ID,
		FromNumber:   contact.PhoneNumber,
		LanguageHint: turn.LanguageHint,
		Instructions: w.instructions(ctx, turn.Binding.ChatbotID),
	}
	executor := NewToolExecutor(turn, contact, client, w.messages, w.actions, w.usage, w.hub)

	threadID := contact.ThreadID
	if threadID == "" {
		threadID = string(turn.Key)
	}

	runCtx, cancel := context.WithTimeout(ctx, w.agentDeadline)
	defer cancel()

	events, err := agent.Run(runCtx, threadID, tc, w.agentInput(turn), executor)
	if err != nil {
		return "", err
	}

	var final string
	for ev := range events {
		switch e := ev.(type) {
		case agents.Final:
			final = e.Text
		case agents.ErrorEvent:
			return "", fmt.Errorf("agent %s: %s: %s", agent.ID(), e.Kind, e.Detail)
		case agents.ToolCallEvent:
			logrus.Debugf("[WORKER] Tool call %s for %s", e.Call.Name, turn.Key)
		}
	}
	if err := runCtx.Err(); err != nil && final == "" {
		return "", fmt.Errorf("agent %s: %w", agent.ID(), err)
	}
	return final, nil
}

// agentInput renders the coalesced turn for the model: merged text plus one
// line per attachment.
func (w *Worker) agentInput(turn *Turn) string {
	var b strings.Builder
	b.WriteString(turn.MergedText)
	for _, att := range turn.Attachments {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		switch {
		case att.Transcript != "":
			fmt.Fprintf(&b, "[voice message] %s", att.Transcript)
		case att.Type == conversations.TypeAudio:
			b.WriteString("[voice message could not be transcribed]")
		case att.Type == conversations.TypeLocation:
			fmt.Fprintf(&b, "[location] %s", coordText(att.Latitude, att.Longitude))
		default:
			fmt.Fprintf(&b, "[%s attachment] %s", att.Type, att.URL)
		}
	}
	return b.String()
}

// instructions combines the chatbot's prompt with its active knowledge base.
func (w *Worker) instructions(ctx context.Context, chatbotID tenants.ChatbotID) string {
	var b strings.Builder
	if bot, err := w.tenantsRepo.GetChatbot(ctx, chatbotID); err == nil && bot != nil {
		b.WriteString(bot.Instructions)
	}
	entries, err := w.knowledge.ListActive(ctx, chatbotID)
	if err != nil {
		logrus.WithError(err).Warn("[WORKER] Knowledge load failed")
		return b.String()
	}
	if len(entries) > 0 {
		b.WriteString("\n\nKnowledge base:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", e.Question, e.Answer)
		}
	}
	return b.String()
}

// persistDiagnostic records an internal row describing a failed agent run.
// The customer gets nothing; operators see the failure in the transcript.
func (w *Worker) persistDiagnostic(ctx context.Context, turn *Turn, contact *conversations.Contact, runErr error) {
	body, _ := json.Marshal(map[string]string{"error": runErr.Error()})
	row := &conversations.Message{
		ContactID:   contact.ID,
		TenantID:    turn.Binding.TenantID,
		ChatbotID:   turn.Binding.ChatbotID,
		Direction:   conversations.DirectionInternal,
		MessageType: conversations.TypeText,
		ContentText: "Agent processing failed",
		Status:      conversations.StatusFailed,
		Metadata:    body,
		SentAt:      time.Now().UTC(),
	}
	if err := w.messages.Create(ctx, row); err != nil {
		logrus.WithError(err).Error("[WORKER] Failed to persist diagnostic row")
	}
}
