package repository

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/swiftreplies/wabroker/tenants/domain"
)

// --- Persistence Models ---

type tenantModel struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	Name               string `gorm:"not null"`
	DailyOutboundCap   int    `gorm:"default:0"`
	MonthlyOutboundCap int    `gorm:"default:0"`
	Flags              string `gorm:"type:text;default:'{}'"` // JSON
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (tenantModel) TableName() string {
	return "tenants"
}

type chatbotModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	TenantID     int64  `gorm:"index;not null"`
	SenderMSISDN string `gorm:"uniqueIndex:idx_chatbots_sender;not null"`
	Instructions string `gorm:"type:text"`
	AgentID      string `gorm:"not null"`
	Active       bool   `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (chatbotModel) TableName() string {
	return "chatbots"
}

// --- Repository Implementation ---

type TenantGormRepository struct {
	db *gorm.DB
}

func NewTenantGormRepository(db *gorm.DB) *TenantGormRepository {
	return &TenantGormRepository{db: db}
}

func (r *TenantGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&tenantModel{}, &chatbotModel{})
}

func (r *TenantGormRepository) GetTenant(ctx context.Context, id domain.TenantID) (*domain.Tenant, error) {
	var m tenantModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", int64(id)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrTenantNotFound
		}
		return nil, err
	}
	return fromTenantModel(m)
}

func (r *TenantGormRepository) GetChatbot(ctx context.Context, id domain.ChatbotID) (*domain.Chatbot, error) {
	var m chatbotModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", int64(id)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrChatbotNotFound
		}
		return nil, err
	}
	c := fromChatbotModel(m)
	return &c, nil
}

func (r *TenantGormRepository) UpsertTenant(ctx context.Context, t *domain.Tenant) error {
	flags, err := json.Marshal(t.Subscription.Flags)
	if err != nil {
		return err
	}
	m := tenantModel{
		ID:                 int64(t.ID),
		Name:               t.Name,
		DailyOutboundCap:   t.Subscription.DailyOutboundCap,
		MonthlyOutboundCap: t.Subscription.MonthlyOutboundCap,
		Flags:              string(flags),
	}
	if err := r.db.WithContext(ctx).Save(&m).Error; err != nil {
		return err
	}
	t.ID = domain.TenantID(m.ID)
	return nil
}

func (r *TenantGormRepository) UpsertChatbot(ctx context.Context, c *domain.Chatbot) error {
	m := chatbotModel{
		ID:           int64(c.ID),
		TenantID:     int64(c.TenantID),
		SenderMSISDN: c.SenderMSISDN,
		Instructions: c.Instructions,
		AgentID:      c.AgentID,
		Active:       c.Active,
	}
	if err := r.db.WithContext(ctx).Save(&m).Error; err != nil {
		if isDuplicate(err) {
			return domain.ErrChatbotNotFound
		}
		return err
	}
	c.ID = domain.ChatbotID(m.ID)
	return nil
}

func (r *TenantGormRepository) ListBindings(ctx context.Context) ([]domain.SenderBinding, error) {
	var models []chatbotModel
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.SenderBinding, 0, len(models))
	for _, m := range models {
		out = append(out, domain.SenderBinding{
			SenderMSISDN: m.SenderMSISDN,
			TenantID:     domain.TenantID(m.TenantID),
			ChatbotID:    domain.ChatbotID(m.ID),
			AgentID:      m.AgentID,
		})
	}
	return out, nil
}

// --- Converters ---

func fromTenantModel(m tenantModel) (*domain.Tenant, error) {
	flags := map[string]bool{}
	if m.Flags != "" {
		if err := json.Unmarshal([]byte(m.Flags), &flags); err != nil {
			return nil, err
		}
	}
	return &domain.Tenant{
		ID:   domain.TenantID(m.ID),
		Name: m.Name,
		Subscription: domain.Subscription{
			DailyOutboundCap:   m.DailyOutboundCap,
			MonthlyOutboundCap: m.MonthlyOutboundCap,
			Flags:              flags,
		},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

func fromChatbotModel(m chatbotModel) domain.Chatbot {
	return domain.Chatbot{
		ID:           domain.ChatbotID(m.ID),
		TenantID:     domain.TenantID(m.TenantID),
		SenderMSISDN: m.SenderMSISDN,
		Instructions: m.Instructions,
		AgentID:      m.AgentID,
		Active:       m.Active,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func isDuplicate(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value")
}
