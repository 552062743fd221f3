package rest

import (
	"encoding/json"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	actions "github.com/swiftreplies/wabroker/actions/domain"
	"github.com/swiftreplies/wabroker/broadcast"
	conversations "github.com/swiftreplies/wabroker/conversations/domain"
	"github.com/swiftreplies/wabroker/pipeline"
	"github.com/swiftreplies/wabroker/pkg/apperr"
	"github.com/swiftreplies/wabroker/pkg/utils"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
	tenantsRepo "github.com/swiftreplies/wabroker/tenants/repository"
	"github.com/swiftreplies/wabroker/transport/whatsapp"
)

// ActionFeedback resolves pending operator actions and notifies the customer
// with the templated response for the action's request type.
type ActionFeedback struct {
	Actions    actions.IActionRepository
	Contacts   conversations.IContactRepository
	Messages   conversations.IMessageRepository
	Senders    *tenantsRepo.SenderMap
	Transports *whatsapp.Manager
	Hub        *broadcast.Hub
}

func InitRestActionFeedback(app fiber.Router, actionRepo actions.IActionRepository,
	contacts conversations.IContactRepository, messages conversations.IMessageRepository,
	senders *tenantsRepo.SenderMap, transports *whatsapp.Manager, hub *broadcast.Hub) ActionFeedback {
	handler := ActionFeedback{
		Actions:    actionRepo,
		Contacts:   contacts,
		Messages:   messages,
		Senders:    senders,
		Transports: transports,
		Hub:        hub,
	}
	app.Post("/action-feedback", handler.Resolve)
	app.Get("/actions/pending", handler.ListPending)
	return handler
}

type actionFeedbackRequest struct {
	ActionID     int64  `json:"action_id"`
	Status       string `json:"status"`
	UserResponse string `json:"user_response"`
	TenantID     int64  `json:"tenant_id"`
}

func (r actionFeedbackRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ActionID, validation.Required),
		validation.Field(&r.Status, validation.Required, validation.In("approved", "denied", "cancelled")),
	)
}

func (h *ActionFeedback) Resolve(c *fiber.Ctx) error {
	var req actionFeedbackRequest
	if err := c.BodyParser(&req); err != nil {
		panic(apperr.ValidationError("invalid JSON body"))
	}
	if err := req.Validate(); err != nil {
		panic(apperr.ValidationError(err.Error()))
	}

	ctx := c.UserContext()
	existing, err := h.Actions.GetByID(ctx, req.ActionID)
	if err != nil {
		if errors.Is(err, actions.ErrActionNotFound) {
			panic(apperr.NotFoundError("action not found"))
		}
		utils.PanicIfNeeded(err)
	}
	// Ownership is checked before any state change.
	if req.TenantID != 0 && existing.TenantID != tenants.TenantID(req.TenantID) {
		panic(apperr.ForbiddenError("action belongs to another tenant"))
	}

	action, resolved, err := h.Actions.Resolve(ctx, req.ActionID, actions.Status(req.Status), req.UserResponse)
	utils.PanicIfNeeded(err)
	// Second delivery of the same resolution is a no-op.
	if !resolved {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	contact, err := h.Contacts.GetByID(ctx, action.TenantID, action.ContactID)
	utils.PanicIfNeeded(err)

	binding, err := h.bindingForChatbot(action.ChatbotID)
	utils.PanicIfNeeded(err)

	text := pipeline.ActionResponseText(action.RequestType, action.Status, req.UserResponse)
	client := h.Transports.Get(binding)
	res, sendErr := client.SendText(ctx, contact.PhoneNumber, text)

	out := &conversations.Message{
		ContactID:   contact.ID,
		TenantID:    action.TenantID,
		ChatbotID:   action.ChatbotID,
		Direction:   conversations.DirectionOutgoing,
		MessageType: conversations.TypeText,
		ContentText: text,
		SentAt:      time.Now().UTC(),
	}
	if sendErr != nil {
		out.Status = conversations.StatusFailed
		out.Metadata, _ = json.Marshal(map[string]string{"error": sendErr.Error()})
		logrus.WithError(sendErr).Warnf("[ACTIONS] Response send failed for action %d", action.ID)
	} else {
		out.Status = conversations.StatusSent
		out.ProviderMessageID = res.ProviderMessageID
	}
	if err := h.Messages.Create(ctx, out); err != nil {
		logrus.WithError(err).Error("[ACTIONS] Failed to persist action response")
	}

	if err := h.Messages.UpdateActionIndicator(ctx, action.TenantID, action.ID, string(action.Status)); err != nil {
		logrus.WithError(err).Warnf("[ACTIONS] Indicator update failed for action %d", action.ID)
	}

	h.Hub.Publish(broadcast.Event{
		Type:     broadcast.EventActionResolved,
		TenantID: action.TenantID,
		Payload: map[string]any{
			"action_id":  action.ID,
			"contact_id": contact.ID,
			"status":     string(action.Status),
		},
	})
	return c.JSON(fiber.Map{"status": "ok"})
}

// ListPending backs the operator dashboard's approval queue.
func (h *ActionFeedback) ListPending(c *fiber.Ctx) error {
	tenantID := int64(c.QueryInt("tenant_id"))
	if tenantID == 0 {
		panic(apperr.ValidationError("tenant_id query parameter is required"))
	}
	pending, err := h.Actions.ListPending(c.UserContext(), tenantID)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Pending actions retrieved",
		Results: pending,
	})
}

func (h *ActionFeedback) bindingForChatbot(chatbotID tenants.ChatbotID) (tenants.SenderBinding, error) {
	for _, b := range h.Senders.All() {
		if b.ChatbotID == chatbotID {
			return b, nil
		}
	}
	return tenants.SenderBinding{}, apperr.NotFoundError("no sender binding for action's chatbot")
}
