package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	tenants "github.com/swiftreplies/wabroker/tenants/domain"
	"github.com/swiftreplies/wabroker/usage/domain"
)

// --- Persistence Model ---

type usageModel struct {
	TenantID      int64  `gorm:"primaryKey;autoIncrement:false"`
	Date          string `gorm:"primaryKey;size:10"`
	OutboundCount int    `gorm:"default:0"`
	CampaignCount int    `gorm:"default:0"`
	UpdatedAt     time.Time
}

func (usageModel) TableName() string {
	return "usage_tracking"
}

// --- Repository Implementation ---

type UsageGormRepository struct {
	db *gorm.DB
}

func NewUsageGormRepository(db *gorm.DB) *UsageGormRepository {
	return &UsageGormRepository{db: db}
}

func (r *UsageGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&usageModel{})
}

func (r *UsageGormRepository) IncrementOutbound(ctx context.Context, tenantID tenants.TenantID, at time.Time) error {
	m := usageModel{
		TenantID:      int64(tenantID),
		Date:          domain.DayKey(at),
		OutboundCount: 1,
	}
	// ON CONFLICT (tenant_id, date) DO UPDATE SET outbound_count = outbound_count + 1
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"outbound_count": gorm.Expr("outbound_count + 1"),
			"updated_at":     time.Now().UTC(),
		}),
	}).Create(&m).Error
}

func (r *UsageGormRepository) GetDaily(ctx context.Context, tenantID tenants.TenantID, at time.Time) (*domain.UsageCounter, error) {
	var m usageModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND date = ?", int64(tenantID), domain.DayKey(at)).
		First(&m).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil // lazily created; absence means zero usage
		}
		return nil, err
	}
	return &domain.UsageCounter{
		TenantID:      tenants.TenantID(m.TenantID),
		Date:          m.Date,
		OutboundCount: m.OutboundCount,
		CampaignCount: m.CampaignCount,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func (r *UsageGormRepository) GetMonthlyOutbound(ctx context.Context, tenantID tenants.TenantID, at time.Time) (int, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&usageModel{}).
		Where("tenant_id = ? AND date LIKE ?", int64(tenantID), domain.MonthPrefix(at)).
		Select("COALESCE(SUM(outbound_count), 0)").
		Scan(&total).Error
	return int(total), err
}
