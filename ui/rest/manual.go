package rest

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/swiftreplies/wabroker/broadcast"
	conversations "github.com/swiftreplies/wabroker/conversations/domain"
	"github.com/swiftreplies/wabroker/pkg/apperr"
	"github.com/swiftreplies/wabroker/pkg/utils"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
	tenantsRepo "github.com/swiftreplies/wabroker/tenants/repository"
	"github.com/swiftreplies/wabroker/transport/whatsapp"
)

// Manual transmits operator-authored messages. The dashboard inserts the
// direction=manual row first, then posts here; we only send and flip status.
type Manual struct {
	Contacts   conversations.IContactRepository
	Messages   conversations.IMessageRepository
	Senders    *tenantsRepo.SenderMap
	Transports *whatsapp.Manager
	Hub        *broadcast.Hub
}

func InitRestManual(app fiber.Router, contacts conversations.IContactRepository,
	messages conversations.IMessageRepository, senders *tenantsRepo.SenderMap,
	transports *whatsapp.Manager, hub *broadcast.Hub) Manual {
	handler := Manual{
		Contacts:   contacts,
		Messages:   messages,
		Senders:    senders,
		Transports: transports,
		Hub:        hub,
	}
	app.Post("/manual-message", handler.Send)
	return handler
}

type manualMessageRequest struct {
	MessageID   int64  `json:"message_id"`
	ContactID   int64  `json:"contact_id"`
	ContentText string `json:"content_text"`
	UserID      int64  `json:"user_id"`
	TenantID    int64  `json:"tenant_id"`
}

func (r manualMessageRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MessageID, validation.Required),
		validation.Field(&r.ContactID, validation.Required),
		validation.Field(&r.ContentText, validation.Required),
		validation.Field(&r.TenantID, validation.Required),
	)
}

func (h *Manual) Send(c *fiber.Ctx) error {
	var req manualMessageRequest
	if err := c.BodyParser(&req); err != nil {
		panic(apperr.ValidationError("invalid JSON body"))
	}
	if err := req.Validate(); err != nil {
		panic(apperr.ValidationError(err.Error()))
	}

	ctx := c.UserContext()
	tenantID := tenants.TenantID(req.TenantID)

	msg, err := h.Messages.GetByID(ctx, tenantID, req.MessageID)
	if err != nil {
		if errors.Is(err, conversations.ErrMessageNotFound) {
			panic(apperr.NotFoundError("message not found"))
		}
		utils.PanicIfNeeded(err)
	}
	if msg.ContactID != req.ContactID {
		panic(apperr.ForbiddenError("message does not belong to this contact"))
	}
	// Redelivery of an already transmitted message is a success, not a resend.
	if msg.Status == conversations.StatusSent || msg.Status == conversations.StatusDelivered || msg.Status == conversations.StatusRead {
		return c.JSON(fiber.Map{"status": "success", "message": "already sent"})
	}

	contact, err := h.Contacts.GetByID(ctx, tenantID, req.ContactID)
	if err != nil {
		if errors.Is(err, conversations.ErrContactNotFound) {
			panic(apperr.NotFoundError("contact not found"))
		}
		utils.PanicIfNeeded(err)
	}

	binding, err := h.bindingForChatbot(contact.ChatbotID)
	utils.PanicIfNeeded(err)

	client := h.Transports.Get(binding)
	res, sendErr := client.SendText(ctx, contact.PhoneNumber, req.ContentText)
	if sendErr != nil {
		if err := h.Messages.UpdateStatus(ctx, tenantID, msg.ID, conversations.StatusFailed, sendErr.Error()); err != nil {
			logrus.WithError(err).Warn("[MANUAL] Failed to mark message failed")
		}
		return c.JSON(fiber.Map{"status": "error", "message": sendErr.Error()})
	}

	utils.PanicIfNeeded(h.Messages.UpdateStatus(ctx, tenantID, msg.ID, conversations.StatusSent, ""))
	logrus.Infof("[MANUAL] Operator %d sent message %d (provider %s)", req.UserID, msg.ID, res.ProviderMessageID)

	h.Hub.Publish(broadcast.Event{
		Type:     broadcast.EventMessageManual,
		TenantID: tenantID,
		Payload: map[string]any{
			"message_id": msg.ID,
			"contact_id": contact.ID,
			"user_id":    req.UserID,
		},
	})
	return c.JSON(fiber.Map{"status": "success", "message": "sent"})
}

func (h *Manual) bindingForChatbot(chatbotID tenants.ChatbotID) (tenants.SenderBinding, error) {
	for _, b := range h.Senders.All() {
		if b.ChatbotID == chatbotID {
			return b, nil
		}
	}
	return tenants.SenderBinding{}, apperr.NotFoundError("no sender binding for contact's chatbot")
}
