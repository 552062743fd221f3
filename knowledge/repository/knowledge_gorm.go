package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/swiftreplies/wabroker/knowledge/domain"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// --- Persistence Model ---

type knowledgeModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	TenantID  int64  `gorm:"index;not null"`
	ChatbotID int64  `gorm:"uniqueIndex:idx_knowledge_key,priority:1;not null"`
	Category  string `gorm:"uniqueIndex:idx_knowledge_key,priority:2;size:255;not null"`
	Question  string `gorm:"uniqueIndex:idx_knowledge_key,priority:3;size:500;not null"`
	Answer    string `gorm:"type:text"`
	IsActive  bool   `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (knowledgeModel) TableName() string {
	return "knowledge_base"
}

// --- Repository Implementation ---

type KnowledgeGormRepository struct {
	db *gorm.DB
}

func NewKnowledgeGormRepository(db *gorm.DB) *KnowledgeGormRepository {
	return &KnowledgeGormRepository{db: db}
}

func (r *KnowledgeGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&knowledgeModel{})
}

func (r *KnowledgeGormRepository) Upsert(ctx context.Context, e *domain.KnowledgeEntry) error {
	m := knowledgeModel{
		TenantID:  int64(e.TenantID),
		ChatbotID: int64(e.ChatbotID),
		Category:  e.Category,
		Question:  e.Question,
		Answer:    e.Answer,
		IsActive:  e.IsActive,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chatbot_id"}, {Name: "category"}, {Name: "question"}},
		DoUpdates: clause.Assignments(map[string]any{
			"answer":     e.Answer,
			"is_active":  e.IsActive,
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&m).Error
	if err != nil {
		return err
	}
	e.ID = m.ID
	return nil
}

func (r *KnowledgeGormRepository) DeactivateCategory(ctx context.Context, chatbotID tenants.ChatbotID, category string) error {
	return r.db.WithContext(ctx).Model(&knowledgeModel{}).
		Where("chatbot_id = ? AND category = ?", int64(chatbotID), category).
		Update("is_active", false).Error
}

func (r *KnowledgeGormRepository) ListActive(ctx context.Context, chatbotID tenants.ChatbotID) ([]domain.KnowledgeEntry, error) {
	var models []knowledgeModel
	err := r.db.WithContext(ctx).
		Where("chatbot_id = ? AND is_active = ?", int64(chatbotID), true).
		Order("category, question").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.KnowledgeEntry, 0, len(models))
	for _, m := range models {
		out = append(out, domain.KnowledgeEntry{
			ID:        m.ID,
			TenantID:  tenants.TenantID(m.TenantID),
			ChatbotID: tenants.ChatbotID(m.ChatbotID),
			Category:  m.Category,
			Question:  m.Question,
			Answer:    m.Answer,
			IsActive:  m.IsActive,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		})
	}
	return out, nil
}
