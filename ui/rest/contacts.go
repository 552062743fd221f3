package rest

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/swiftreplies/wabroker/broadcast"
	conversations "github.com/swiftreplies/wabroker/conversations/domain"
	"github.com/swiftreplies/wabroker/pkg/apperr"
	"github.com/swiftreplies/wabroker/pkg/utils"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// Contacts exposes the operator pause gate.
type Contacts struct {
	Contacts conversations.IContactRepository
	Hub      *broadcast.Hub
}

func InitRestContacts(app fiber.Router, contacts conversations.IContactRepository, hub *broadcast.Hub) Contacts {
	handler := Contacts{Contacts: contacts, Hub: hub}
	app.Post("/contacts/:id/pause", handler.Pause)
	app.Post("/contacts/:id/resume", handler.Resume)
	return handler
}

type pauseRequest struct {
	TenantID int64  `json:"tenant_id"`
	UserID   int64  `json:"user_id"`
	PausedBy string `json:"paused_by"`
}

func (h *Contacts) Pause(c *fiber.Ctx) error {
	return h.setPaused(c, true)
}

func (h *Contacts) Resume(c *fiber.Ctx) error {
	return h.setPaused(c, false)
}

func (h *Contacts) setPaused(c *fiber.Ctx, paused bool) error {
	contactID, err := c.ParamsInt("id")
	if err != nil || contactID <= 0 {
		panic(apperr.ValidationError("invalid contact id"))
	}

	var req pauseRequest
	if err := c.BodyParser(&req); err != nil {
		panic(apperr.ValidationError("invalid JSON body"))
	}
	if req.TenantID == 0 {
		panic(apperr.ValidationError("tenant_id is required"))
	}
	by := req.PausedBy
	if by == "" && req.UserID != 0 {
		by = fmt.Sprintf("operator-%d", req.UserID)
	}

	ctx := c.UserContext()
	tenantID := tenants.TenantID(req.TenantID)
	if err := h.Contacts.SetPaused(ctx, tenantID, int64(contactID), paused, by); err != nil {
		if errors.Is(err, conversations.ErrContactNotFound) {
			panic(apperr.NotFoundError("contact not found"))
		}
		utils.PanicIfNeeded(err)
	}

	eventType := broadcast.EventContactPaused
	if !paused {
		eventType = broadcast.EventContactResumed
	}
	h.Hub.Publish(broadcast.Event{
		Type:     eventType,
		TenantID: tenantID,
		Payload: map[string]any{
			"contact_id": int64(contactID),
			"paused_by":  by,
		},
	})

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Contact state updated",
	})
}
