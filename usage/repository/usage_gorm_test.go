package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	tenants "github.com/swiftreplies/wabroker/tenants/domain"
	"github.com/swiftreplies/wabroker/usage/domain"
)

func newTestRepo(t *testing.T) *UsageGormRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	repo := NewUsageGormRepository(db)
	require.NoError(t, repo.InitSchema(context.Background()))
	return repo
}

func TestIncrementCreatesLazilyAndAccumulates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	daily, err := repo.GetDaily(ctx, 1, now)
	require.NoError(t, err)
	assert.Nil(t, daily)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.IncrementOutbound(ctx, 1, now))
	}

	daily, err = repo.GetDaily(ctx, 1, now)
	require.NoError(t, err)
	require.NotNil(t, daily)
	assert.Equal(t, 3, daily.OutboundCount)
}

func TestMonthlyAggregation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	day1 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	otherMonth := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.IncrementOutbound(ctx, 1, day1))
	require.NoError(t, repo.IncrementOutbound(ctx, 1, day2))
	require.NoError(t, repo.IncrementOutbound(ctx, 1, day2))
	require.NoError(t, repo.IncrementOutbound(ctx, 1, otherMonth))
	require.NoError(t, repo.IncrementOutbound(ctx, 2, day2))

	total, err := repo.GetMonthlyOutbound(ctx, 1, day2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestCheckerEnforcesCaps(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	checker := domain.Checker{Repo: repo}

	sub := tenants.Subscription{DailyOutboundCap: 3}
	require.NoError(t, checker.Check(ctx, 1, sub, now))

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.IncrementOutbound(ctx, 1, now))
	}
	assert.ErrorIs(t, checker.Check(ctx, 1, sub, now), domain.ErrQuotaExceeded)

	// Zero caps mean unlimited.
	assert.NoError(t, checker.Check(ctx, 1, tenants.Subscription{}, now))
}
