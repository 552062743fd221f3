package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/swiftreplies/wabroker/actions/domain"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

func newTestRepo(t *testing.T) *ActionGormRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	repo := NewActionGormRepository(db)
	require.NoError(t, repo.InitSchema(context.Background()))
	return repo
}

func TestActionResolveIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := &domain.Action{
		TenantID:       1,
		ChatbotID:      10,
		ContactID:      5,
		RequestType:    "refund_request",
		RequestDetails: "Customer X requests refund on order #1001",
		Priority:       domain.PriorityHigh,
	}
	require.NoError(t, repo.Create(ctx, a))
	require.NotZero(t, a.ID)

	resolved, first, err := repo.Resolve(ctx, a.ID, domain.StatusApproved, "Refund processed.")
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, domain.StatusApproved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "Refund processed.", resolved.UserResponse)

	// Second resolution must be a no-op that reports it did nothing.
	again, second, err := repo.Resolve(ctx, a.ID, domain.StatusDenied, "changed my mind")
	require.NoError(t, err)
	assert.False(t, second)
	assert.Equal(t, domain.StatusApproved, again.Status)
	assert.Equal(t, "Refund processed.", again.UserResponse)
}

func TestActionResolveUnknown(t *testing.T) {
	repo := newTestRepo(t)
	_, _, err := repo.Resolve(context.Background(), 9999, domain.StatusApproved, "")
	assert.ErrorIs(t, err, domain.ErrActionNotFound)
}

func TestListPendingScopedByTenant(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i, tenant := range []int64{1, 1, 2} {
		a := &domain.Action{
			TenantID:    tenants.TenantID(tenant),
			ChatbotID:   10,
			ContactID:   int64(i + 1),
			RequestType: "help_needed",
			Priority:    domain.PriorityLow,
		}
		require.NoError(t, repo.Create(ctx, a))
	}

	pending, err := repo.ListPending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
