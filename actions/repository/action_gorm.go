package repository

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/swiftreplies/wabroker/actions/domain"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// --- Persistence Model ---

type actionModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	TenantID       int64  `gorm:"index;not null"`
	ChatbotID      int64  `gorm:"not null"`
	ContactID      int64  `gorm:"index;not null"`
	RequestType    string `gorm:"size:100;not null"`
	RequestDetails string `gorm:"size:2000"`
	RequestData    string `gorm:"type:text;default:'{}'"` // JSON
	Priority       string `gorm:"default:'medium'"`
	Status         string `gorm:"index;default:'pending'"`
	UserResponse   string `gorm:"type:text"`
	ResponseData   string `gorm:"type:text;default:'{}'"` // JSON
	CreatedAt      time.Time
	ResolvedAt     *time.Time
	ExpiresAt      *time.Time
}

func (actionModel) TableName() string {
	return "actions"
}

// --- Repository Implementation ---

type ActionGormRepository struct {
	db *gorm.DB
}

func NewActionGormRepository(db *gorm.DB) *ActionGormRepository {
	return &ActionGormRepository{db: db}
}

func (r *ActionGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&actionModel{})
}

func (r *ActionGormRepository) Create(ctx context.Context, a *domain.Action) error {
	if a.Status == "" {
		a.Status = domain.StatusPending
	}
	m := toActionModel(a)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	a.ID = m.ID
	a.CreatedAt = m.CreatedAt
	return nil
}

func (r *ActionGormRepository) GetByID(ctx context.Context, id int64) (*domain.Action, error) {
	var m actionModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrActionNotFound
		}
		return nil, err
	}
	a := fromActionModel(m)
	return &a, nil
}

func (r *ActionGormRepository) Resolve(ctx context.Context, id int64, status domain.Status, userResponse string) (*domain.Action, bool, error) {
	now := time.Now().UTC()
	// Guarded update: only a pending action transitions. RowsAffected tells
	// us whether this call was the resolving one.
	res := r.db.WithContext(ctx).Model(&actionModel{}).
		Where("id = ? AND status = ?", id, string(domain.StatusPending)).
		Updates(map[string]any{
			"status":        string(status),
			"user_response": userResponse,
			"resolved_at":   &now,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	a, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return a, res.RowsAffected > 0, nil
}

func (r *ActionGormRepository) ListPending(ctx context.Context, tenantID int64) ([]domain.Action, error) {
	var models []actionModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, string(domain.StatusPending)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Action, 0, len(models))
	for _, m := range models {
		out = append(out, fromActionModel(m))
	}
	return out, nil
}

// --- Converters ---

func toActionModel(a *domain.Action) actionModel {
	requestData := "{}"
	if len(a.RequestData) > 0 {
		requestData = string(a.RequestData)
	}
	responseData := "{}"
	if len(a.ResponseData) > 0 {
		responseData = string(a.ResponseData)
	}
	return actionModel{
		ID:             a.ID,
		TenantID:       int64(a.TenantID),
		ChatbotID:      int64(a.ChatbotID),
		ContactID:      a.ContactID,
		RequestType:    a.RequestType,
		RequestDetails: a.RequestDetails,
		RequestData:    requestData,
		Priority:       string(a.Priority),
		Status:         string(a.Status),
		UserResponse:   a.UserResponse,
		ResponseData:   responseData,
		ResolvedAt:     a.ResolvedAt,
		ExpiresAt:      a.ExpiresAt,
	}
}

func fromActionModel(m actionModel) domain.Action {
	return domain.Action{
		ID:             m.ID,
		TenantID:       tenants.TenantID(m.TenantID),
		ChatbotID:      tenants.ChatbotID(m.ChatbotID),
		ContactID:      m.ContactID,
		RequestType:    m.RequestType,
		RequestDetails: m.RequestDetails,
		RequestData:    json.RawMessage(m.RequestData),
		Priority:       domain.Priority(m.Priority),
		Status:         domain.Status(m.Status),
		UserResponse:   m.UserResponse,
		ResponseData:   json.RawMessage(m.ResponseData),
		CreatedAt:      m.CreatedAt,
		ResolvedAt:     m.ResolvedAt,
		ExpiresAt:      m.ExpiresAt,
	}
}
