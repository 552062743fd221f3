package domain

import (
	"context"
	"time"

	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

type IContactRepository interface {
	InitSchema(ctx context.Context) error
	// GetOrCreate resolves a contact by (tenant, phone), creating it on first
	// sight. A non-empty display name backfills an empty stored name.
	GetOrCreate(ctx context.Context, tenantID tenants.TenantID, chatbotID tenants.ChatbotID, phoneNumber, name string) (*Contact, error)
	GetByID(ctx context.Context, tenantID tenants.TenantID, id int64) (*Contact, error)
	TouchLastInteraction(ctx context.Context, tenantID tenants.TenantID, id int64, at time.Time) error
	SetPaused(ctx context.Context, tenantID tenants.TenantID, id int64, paused bool, by string) error
}

type IMessageRepository interface {
	InitSchema(ctx context.Context) error
	// LogIncoming is idempotent on provider_message_id: redelivery of the
	// same BSP record leaves exactly one row. Returns the stored row and
	// whether it already existed.
	LogIncoming(ctx context.Context, m *Message) (existed bool, err error)
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, tenantID tenants.TenantID, id int64) (*Message, error)
	UpdateStatus(ctx context.Context, tenantID tenants.TenantID, id int64, status MessageStatus, errDetail string) error
	// UpdateStatusByProviderID backs delivery reports; unknown ids return
	// ErrMessageNotFound so the caller can warn and drop.
	UpdateStatusByProviderID(ctx context.Context, providerID string, status MessageStatus) error
	// UpdateActionIndicator rewrites the indicator body of the message
	// linked to actionID with the terminal status.
	UpdateActionIndicator(ctx context.Context, tenantID tenants.TenantID, actionID int64, status string) error
}
