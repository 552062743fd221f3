package rest

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	conversations "github.com/swiftreplies/wabroker/conversations/domain"
	"github.com/swiftreplies/wabroker/pipeline"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// Webhook is the BSP ingress: inbound customer messages and delivery status
// callbacks share POST /webhook.
type Webhook struct {
	Pipeline *pipeline.Pipeline
	Messages conversations.IMessageRepository
}

func InitRestWebhook(app fiber.Router, p *pipeline.Pipeline, messages conversations.IMessageRepository) Webhook {
	handler := Webhook{Pipeline: p, Messages: messages}
	app.Post("/webhook", handler.Receive)
	return handler
}

// --- Provider envelopes ---

type infobipEnvelope struct {
	Results []infobipResult `json:"results"`
	Entry   []metaEntry     `json:"entry"`
}

type infobipResult struct {
	MessageID  string          `json:"messageId"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	ReceivedAt string          `json:"receivedAt"`
	Message    *infobipMessage `json:"message"`
	Contact    *infobipContact `json:"contact"`
	Status     *infobipStatus  `json:"status"`
}

type infobipMessage struct {
	Type      string  `json:"type"`
	Text      string  `json:"text"`
	URL       string  `json:"url"`
	Caption   string  `json:"caption"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type infobipContact struct {
	Name string `json:"name"`
}

type infobipStatus struct {
	GroupName string `json:"groupName"`
	Name      string `json:"name"`
}

// Meta Cloud API fallback envelope: entry[].changes[].value.messages[].
type metaEntry struct {
	Changes []struct {
		Value struct {
			Metadata struct {
				DisplayPhoneNumber string `json:"display_phone_number"`
			} `json:"metadata"`
			Contacts []struct {
				Profile struct {
					Name string `json:"name"`
				} `json:"profile"`
			} `json:"contacts"`
			Messages []struct {
				ID        string `json:"id"`
				From      string `json:"from"`
				Timestamp string `json:"timestamp"`
				Type      string `json:"type"`
				Text      *struct {
					Body string `json:"body"`
				} `json:"text"`
				Image *struct {
					Link    string `json:"link"`
					Caption string `json:"caption"`
				} `json:"image"`
				Audio *struct {
					Link string `json:"link"`
				} `json:"audio"`
				Document *struct {
					Link    string `json:"link"`
					Caption string `json:"caption"`
				} `json:"document"`
				Location *struct {
					Latitude  float64 `json:"latitude"`
					Longitude float64 `json:"longitude"`
				} `json:"location"`
			} `json:"messages"`
		} `json:"value"`
	} `json:"changes"`
}

// Receive parses the envelope and feeds each record to the pipeline.
// Malformed records are logged and skipped; only an unparseable body is a 400.
func (h *Webhook) Receive(c *fiber.Ctx) error {
	var envelope infobipEnvelope
	if err := json.Unmarshal(c.Body(), &envelope); err != nil {
		logrus.WithError(err).Warn("[WEBHOOK] Unparseable body")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"status":  "error",
			"message": "unparseable body",
		})
	}

	processed := 0
	for _, result := range envelope.Results {
		if result.Status != nil {
			h.applyDeliveryReport(c, result)
			continue
		}
		if h.ingestResult(result) {
			processed++
		}
	}
	for _, entry := range envelope.Entry {
		processed += h.ingestMetaEntry(entry)
	}

	return c.JSON(fiber.Map{
		"status":             "success",
		"processed_messages": processed,
	})
}

func (h *Webhook) ingestResult(result infobipResult) bool {
	if result.Message == nil || result.From == "" || result.To == "" {
		logrus.Warnf("[WEBHOOK] Skipping malformed record %s", result.MessageID)
		return false
	}

	msg := pipeline.InboundMessage{
		ProviderMessageID: result.MessageID,
		From:              result.From,
		To:                result.To,
		Type:              mapMessageType(result.Message.Type),
		Text:              result.Message.Text,
		MediaURL:          result.Message.URL,
		Caption:           result.Message.Caption,
		Latitude:          result.Message.Latitude,
		Longitude:         result.Message.Longitude,
		ReceivedAt:        parseReceivedAt(result.ReceivedAt),
	}
	if result.Contact != nil {
		msg.ContactName = result.Contact.Name
	}

	if err := h.Pipeline.Ingest(msg); err != nil {
		if !errors.Is(err, tenants.ErrUnroutable) {
			logrus.WithError(err).Warnf("[WEBHOOK] Ingest failed for %s", result.MessageID)
		}
		return false
	}
	return true
}

func (h *Webhook) ingestMetaEntry(entry metaEntry) int {
	processed := 0
	for _, change := range entry.Changes {
		value := change.Value
		name := ""
		if len(value.Contacts) > 0 {
			name = value.Contacts[0].Profile.Name
		}
		for _, m := range value.Messages {
			msg := pipeline.InboundMessage{
				ProviderMessageID: m.ID,
				From:              m.From,
				To:                value.Metadata.DisplayPhoneNumber,
				Type:              mapMessageType(m.Type),
				ContactName:       name,
				ReceivedAt:        parseUnixSeconds(m.Timestamp),
			}
			switch {
			case m.Text != nil:
				msg.Text = m.Text.Body
			case m.Image != nil:
				msg.MediaURL = m.Image.Link
				msg.Caption = m.Image.Caption
			case m.Audio != nil:
				msg.MediaURL = m.Audio.Link
			case m.Document != nil:
				msg.MediaURL = m.Document.Link
				msg.Caption = m.Document.Caption
			case m.Location != nil:
				msg.Latitude = m.Location.Latitude
				msg.Longitude = m.Location.Longitude
			}
			if err := h.Pipeline.Ingest(msg); err != nil {
				continue
			}
			processed++
		}
	}
	return processed
}

// applyDeliveryReport maps a status callback onto the stored message row.
// Unknown provider ids are dropped with a warning.
func (h *Webhook) applyDeliveryReport(c *fiber.Ctx, result infobipResult) {
	status, ok := mapDeliveryStatus(result.Status.GroupName)
	if !ok {
		logrus.Warnf("[WEBHOOK] Unknown delivery status %q for %s", result.Status.GroupName, result.MessageID)
		return
	}
	err := h.Messages.UpdateStatusByProviderID(c.UserContext(), result.MessageID, status)
	if err != nil {
		if errors.Is(err, conversations.ErrMessageNotFound) {
			logrus.Warnf("[WEBHOOK] Delivery report for unknown message %s", result.MessageID)
			return
		}
		logrus.WithError(err).Warnf("[WEBHOOK] Delivery report failed for %s", result.MessageID)
	}
}

func mapMessageType(t string) conversations.MessageType {
	switch strings.ToLower(t) {
	case "text":
		return conversations.TypeText
	case "image":
		return conversations.TypeImage
	case "audio", "voice":
		return conversations.TypeAudio
	case "document":
		return conversations.TypeDocument
	case "location":
		return conversations.TypeLocation
	case "template", "button", "interactive":
		return conversations.TypeTemplate
	default:
		return conversations.TypeText
	}
}

func mapDeliveryStatus(group string) (conversations.MessageStatus, bool) {
	switch strings.ToUpper(group) {
	case "PENDING":
		return conversations.StatusPending, true
	case "SENT":
		return conversations.StatusSent, true
	case "DELIVERED":
		return conversations.StatusDelivered, true
	case "SEEN", "READ":
		return conversations.StatusRead, true
	case "FAILED", "REJECTED", "UNDELIVERABLE":
		return conversations.StatusFailed, true
	}
	return "", false
}

func parseReceivedAt(v string) time.Time {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return time.Now().UTC()
}

func parseUnixSeconds(v string) time.Time {
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
