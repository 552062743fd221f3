package repository

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/swiftreplies/wabroker/conversations/domain"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// --- Persistence Model ---

type messageModel struct {
	ID                   int64   `gorm:"primaryKey;autoIncrement"`
	ProviderMessageID    *string `gorm:"uniqueIndex:idx_messages_provider_id"`
	ContactID            int64   `gorm:"index;not null"`
	TenantID             int64   `gorm:"index;not null"`
	ChatbotID            int64   `gorm:"not null"`
	Direction            string  `gorm:"index;not null"`
	MessageType          string  `gorm:"not null"`
	ContentText          string  `gorm:"type:text"`
	ContentURL           string
	Status               string `gorm:"default:'pending'"`
	SentAt               time.Time
	Metadata             string `gorm:"type:text;default:'{}'"` // JSON
	UserSent             bool   `gorm:"default:false"`
	AIProcessed          bool   `gorm:"default:false"`
	ProcessingDurationMs int64  `gorm:"default:0"`
	ActionID             *int64 `gorm:"index:idx_messages_action_id"`
	ErrorDetail          string
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (messageModel) TableName() string {
	return "messages"
}

// --- Repository Implementation ---

type MessageGormRepository struct {
	db *gorm.DB
}

func NewMessageGormRepository(db *gorm.DB) *MessageGormRepository {
	return &MessageGormRepository{db: db}
}

func (r *MessageGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&messageModel{})
}

func (r *MessageGormRepository) LogIncoming(ctx context.Context, m *domain.Message) (bool, error) {
	if m.ProviderMessageID != "" {
		var existing messageModel
		err := r.db.WithContext(ctx).
			Where("provider_message_id = ?", m.ProviderMessageID).
			First(&existing).Error
		switch {
		case err == nil:
			*m = fromMessageModel(existing)
			return true, nil
		case err != gorm.ErrRecordNotFound:
			return false, err
		}
	}
	if err := r.Create(ctx, m); err != nil {
		// Redelivery race on the unique index counts as "already there".
		if isDuplicate(err) && m.ProviderMessageID != "" {
			return r.LogIncoming(ctx, m)
		}
		return false, err
	}
	return false, nil
}

func (r *MessageGormRepository) Create(ctx context.Context, m *domain.Message) error {
	if err := r.checkContactTenant(ctx, m.ContactID, m.TenantID); err != nil {
		return err
	}
	model := toMessageModel(m)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	m.ID = model.ID
	m.CreatedAt = model.CreatedAt
	return nil
}

// checkContactTenant rejects rows whose tenant does not own the referenced
// contact. Rows without a contact (or whose contact vanished) pass through.
func (r *MessageGormRepository) checkContactTenant(ctx context.Context, contactID int64, tenantID tenants.TenantID) error {
	if contactID == 0 {
		return nil
	}
	var owner int64
	err := r.db.WithContext(ctx).Model(&contactModel{}).
		Select("tenant_id").
		Where("id = ?", contactID).
		Take(&owner).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}
	if owner != int64(tenantID) {
		return domain.ErrTenantMismatch
	}
	return nil
}

func (r *MessageGormRepository) GetByID(ctx context.Context, tenantID tenants.TenantID, id int64) (*domain.Message, error) {
	var m messageModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	if m.TenantID != int64(tenantID) {
		return nil, domain.ErrTenantMismatch
	}
	msg := fromMessageModel(m)
	return &msg, nil
}

func (r *MessageGormRepository) UpdateStatus(ctx context.Context, tenantID tenants.TenantID, id int64, status domain.MessageStatus, errDetail string) error {
	updates := map[string]any{"status": string(status)}
	if errDetail != "" {
		updates["error_detail"] = errDetail
	}
	res := r.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ? AND tenant_id = ?", id, int64(tenantID)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *MessageGormRepository) UpdateStatusByProviderID(ctx context.Context, providerID string, status domain.MessageStatus) error {
	res := r.db.WithContext(ctx).Model(&messageModel{}).
		Where("provider_message_id = ?", providerID).
		Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *MessageGormRepository) UpdateActionIndicator(ctx context.Context, tenantID tenants.TenantID, actionID int64, status string) error {
	var m messageModel
	err := r.db.WithContext(ctx).
		Where("action_id = ? AND tenant_id = ? AND message_type = ?",
			actionID, int64(tenantID), string(domain.TypeActionIndicator)).
		First(&m).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ErrMessageNotFound
		}
		return err
	}

	var body domain.ActionIndicatorBody
	if uerr := json.Unmarshal([]byte(m.ContentText), &body); uerr != nil {
		body = domain.ActionIndicatorBody{ActionID: actionID}
	}
	body.Status = status
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ?", m.ID).
		Update("content_text", string(raw)).Error
}

// --- Converters ---

func toMessageModel(m *domain.Message) messageModel {
	var providerID *string
	if m.ProviderMessageID != "" {
		providerID = &m.ProviderMessageID
	}
	metadata := "{}"
	if len(m.Metadata) > 0 {
		metadata = string(m.Metadata)
	}
	sentAt := m.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	status := m.Status
	if status == "" {
		status = domain.StatusPending
	}
	return messageModel{
		ID:                   m.ID,
		ProviderMessageID:    providerID,
		ContactID:            m.ContactID,
		TenantID:             int64(m.TenantID),
		ChatbotID:            int64(m.ChatbotID),
		Direction:            string(m.Direction),
		MessageType:          string(m.MessageType),
		ContentText:          m.ContentText,
		ContentURL:           m.ContentURL,
		Status:               string(status),
		SentAt:               sentAt,
		Metadata:             metadata,
		UserSent:             m.UserSent,
		AIProcessed:          m.AIProcessed,
		ProcessingDurationMs: m.ProcessingDurationMs,
		ActionID:             m.ActionID,
	}
}

func fromMessageModel(m messageModel) domain.Message {
	providerID := ""
	if m.ProviderMessageID != nil {
		providerID = *m.ProviderMessageID
	}
	return domain.Message{
		ID:                   m.ID,
		ProviderMessageID:    providerID,
		ContactID:            m.ContactID,
		TenantID:             tenants.TenantID(m.TenantID),
		ChatbotID:            tenants.ChatbotID(m.ChatbotID),
		Direction:            domain.Direction(m.Direction),
		MessageType:          domain.MessageType(m.MessageType),
		ContentText:          m.ContentText,
		ContentURL:           m.ContentURL,
		Status:               domain.MessageStatus(m.Status),
		SentAt:               m.SentAt,
		Metadata:             json.RawMessage(m.Metadata),
		UserSent:             m.UserSent,
		AIProcessed:          m.AIProcessed,
		ProcessingDurationMs: m.ProcessingDurationMs,
		ActionID:             m.ActionID,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}
