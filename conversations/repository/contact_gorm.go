package repository

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/swiftreplies/wabroker/conversations/domain"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// --- Persistence Model ---

type contactModel struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	TenantID        int64  `gorm:"uniqueIndex:idx_contacts_tenant_phone,priority:1;not null"`
	PhoneNumber     string `gorm:"uniqueIndex:idx_contacts_tenant_phone,priority:2;not null"`
	ChatbotID       int64  `gorm:"index;not null"`
	Name            string
	ThreadID        string `gorm:"index;not null"`
	Paused          bool   `gorm:"default:false"`
	PausedAt        *time.Time
	PausedBy        string
	LastInteraction *time.Time `gorm:"column:last_interaction"`
	CustomFields    string     `gorm:"type:text;default:'{}'"` // JSON
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (contactModel) TableName() string {
	return "contacts"
}

// --- Repository Implementation ---

type ContactGormRepository struct {
	db *gorm.DB
}

func NewContactGormRepository(db *gorm.DB) *ContactGormRepository {
	return &ContactGormRepository{db: db}
}

func (r *ContactGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&contactModel{})
}

func (r *ContactGormRepository) GetOrCreate(ctx context.Context, tenantID tenants.TenantID, chatbotID tenants.ChatbotID, phoneNumber, name string) (*domain.Contact, error) {
	var m contactModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND phone_number = ?", int64(tenantID), phoneNumber).
		First(&m).Error
	switch {
	case err == nil:
		// Backfill the display name the first time the BSP sends one.
		if m.Name == "" && name != "" {
			if uerr := r.db.WithContext(ctx).Model(&contactModel{}).
				Where("id = ?", m.ID).Update("name", name).Error; uerr == nil {
				m.Name = name
			}
		}
		return fromContactModel(m)
	case err != gorm.ErrRecordNotFound:
		return nil, err
	}

	m = contactModel{
		TenantID:    int64(tenantID),
		ChatbotID:   int64(chatbotID),
		PhoneNumber: phoneNumber,
		Name:        name,
		ThreadID:    uuid.New().String(),
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		// Concurrent first-contact race: the other writer won, fetch it.
		if isDuplicate(err) {
			return r.GetOrCreate(ctx, tenantID, chatbotID, phoneNumber, name)
		}
		return nil, err
	}
	return fromContactModel(m)
}

func (r *ContactGormRepository) GetByID(ctx context.Context, tenantID tenants.TenantID, id int64) (*domain.Contact, error) {
	var m contactModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrContactNotFound
		}
		return nil, err
	}
	if m.TenantID != int64(tenantID) {
		return nil, domain.ErrTenantMismatch
	}
	return fromContactModel(m)
}

func (r *ContactGormRepository) TouchLastInteraction(ctx context.Context, tenantID tenants.TenantID, id int64, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&contactModel{}).
		Where("id = ? AND tenant_id = ?", id, int64(tenantID)).
		Update("last_interaction", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrContactNotFound
	}
	return nil
}

func (r *ContactGormRepository) SetPaused(ctx context.Context, tenantID tenants.TenantID, id int64, paused bool, by string) error {
	updates := map[string]any{"paused": paused}
	if paused {
		now := time.Now().UTC()
		updates["paused_at"] = &now
		updates["paused_by"] = by
	} else {
		updates["paused_at"] = nil
		updates["paused_by"] = ""
	}
	res := r.db.WithContext(ctx).Model(&contactModel{}).
		Where("id = ? AND tenant_id = ?", id, int64(tenantID)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrContactNotFound
	}
	return nil
}

// --- Converters ---

func fromContactModel(m contactModel) (*domain.Contact, error) {
	custom := json.RawMessage("{}")
	if m.CustomFields != "" {
		custom = json.RawMessage(m.CustomFields)
	}
	return &domain.Contact{
		ID:              m.ID,
		TenantID:        tenants.TenantID(m.TenantID),
		ChatbotID:       tenants.ChatbotID(m.ChatbotID),
		PhoneNumber:     m.PhoneNumber,
		Name:            m.Name,
		ThreadID:        m.ThreadID,
		Paused:          m.Paused,
		PausedAt:        m.PausedAt,
		PausedBy:        m.PausedBy,
		LastInteraction: m.LastInteraction,
		CustomFields:    custom,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

func isDuplicate(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value")
}
