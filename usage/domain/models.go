package domain

import (
	"context"
	"errors"
	"time"

	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// UsageCounter is the per-tenant, per-calendar-day outbound record. The daily
// row is created lazily on first increment; monthly totals are aggregated.
type UsageCounter struct {
	TenantID      tenants.TenantID
	Date          string // YYYY-MM-DD, UTC
	OutboundCount int
	CampaignCount int
	UpdatedAt     time.Time
}

// ErrQuotaExceeded is returned by CheckAndReserve when a cap is already met.
var ErrQuotaExceeded = errors.New("outbound quota exceeded")

// DayKey formats a timestamp as the counter's date key.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthPrefix formats a timestamp as the LIKE prefix for monthly aggregation.
func MonthPrefix(t time.Time) string {
	return t.UTC().Format("2006-01") + "-%"
}

type IUsageRepository interface {
	InitSchema(ctx context.Context) error
	// IncrementOutbound atomically bumps today's counter, creating the row
	// on first use.
	IncrementOutbound(ctx context.Context, tenantID tenants.TenantID, at time.Time) error
	GetDaily(ctx context.Context, tenantID tenants.TenantID, at time.Time) (*UsageCounter, error)
	GetMonthlyOutbound(ctx context.Context, tenantID tenants.TenantID, at time.Time) (int, error)
}

// Checker is the advisory pre-check the worker runs before invoking the
// agent. The post-increment is authoritative.
type Checker struct {
	Repo IUsageRepository
}

// Check returns ErrQuotaExceeded when the subscription's daily or monthly
// cap is met. A zero cap means unlimited.
func (c Checker) Check(ctx context.Context, tenantID tenants.TenantID, sub tenants.Subscription, at time.Time) error {
	if sub.DailyOutboundCap > 0 {
		daily, err := c.Repo.GetDaily(ctx, tenantID, at)
		if err != nil {
			return err
		}
		if daily != nil && daily.OutboundCount >= sub.DailyOutboundCap {
			return ErrQuotaExceeded
		}
	}
	if sub.MonthlyOutboundCap > 0 {
		monthly, err := c.Repo.GetMonthlyOutbound(ctx, tenantID, at)
		if err != nil {
			return err
		}
		if monthly >= sub.MonthlyOutboundCap {
			return ErrQuotaExceeded
		}
	}
	return nil
}
