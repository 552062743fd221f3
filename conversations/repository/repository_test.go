package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/swiftreplies/wabroker/conversations/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestContactGetOrCreate(t *testing.T) {
	db := newTestDB(t)
	repo := NewContactGormRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))

	c1, err := repo.GetOrCreate(ctx, 1, 10, "96179374241", "")
	require.NoError(t, err)
	assert.NotZero(t, c1.ID)
	assert.NotEmpty(t, c1.ThreadID)

	// Same phone under another tenant is an independent contact.
	c2, err := repo.GetOrCreate(ctx, 2, 20, "96179374241", "Rami")
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)
	assert.NotEqual(t, c1.ThreadID, c2.ThreadID)

	// Re-resolving tenant 1 backfills the name without creating a row.
	c3, err := repo.GetOrCreate(ctx, 1, 10, "96179374241", "Rami")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c3.ID)
	assert.Equal(t, "Rami", c3.Name)
}

func TestContactTenantScoping(t *testing.T) {
	db := newTestDB(t)
	repo := NewContactGormRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))

	c, err := repo.GetOrCreate(ctx, 1, 10, "9613451652", "")
	require.NoError(t, err)

	_, err = repo.GetByID(ctx, 2, c.ID)
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)

	err = repo.SetPaused(ctx, 2, c.ID, true, "op")
	assert.ErrorIs(t, err, domain.ErrContactNotFound)
}

func TestContactPauseCycle(t *testing.T) {
	db := newTestDB(t)
	repo := NewContactGormRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.InitSchema(ctx))

	c, err := repo.GetOrCreate(ctx, 1, 10, "9613451652", "")
	require.NoError(t, err)

	require.NoError(t, repo.SetPaused(ctx, 1, c.ID, true, "operator-7"))
	got, err := repo.GetByID(ctx, 1, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Paused)
	assert.Equal(t, "operator-7", got.PausedBy)
	assert.NotNil(t, got.PausedAt)

	require.NoError(t, repo.SetPaused(ctx, 1, c.ID, false, ""))
	got, err = repo.GetByID(ctx, 1, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Paused)
	assert.Nil(t, got.PausedAt)
}

func TestLogIncomingIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageGormRepository(db)
	ctx := context.Background()
	require.NoError(t, NewContactGormRepository(db).InitSchema(ctx))
	require.NoError(t, repo.InitSchema(ctx))

	msg := &domain.Message{
		ProviderMessageID: "wamid-123",
		ContactID:         1,
		TenantID:          1,
		ChatbotID:         10,
		Direction:         domain.DirectionIncoming,
		MessageType:       domain.TypeText,
		ContentText:       "hi",
	}
	existed, err := repo.LogIncoming(ctx, msg)
	require.NoError(t, err)
	assert.False(t, existed)
	firstID := msg.ID

	redelivered := &domain.Message{
		ProviderMessageID: "wamid-123",
		ContactID:         1,
		TenantID:          1,
		ChatbotID:         10,
		Direction:         domain.DirectionIncoming,
		MessageType:       domain.TypeText,
		ContentText:       "hi",
	}
	existed, err = repo.LogIncoming(ctx, redelivered)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, firstID, redelivered.ID)

	var count int64
	require.NoError(t, db.Model(&messageModel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMessageCreateRejectsForeignContactTenant(t *testing.T) {
	db := newTestDB(t)
	contacts := NewContactGormRepository(db)
	repo := NewMessageGormRepository(db)
	ctx := context.Background()
	require.NoError(t, contacts.InitSchema(ctx))
	require.NoError(t, repo.InitSchema(ctx))

	c, err := contacts.GetOrCreate(ctx, 1, 10, "9613451652", "Rami")
	require.NoError(t, err)

	// A row claiming another tenant's id for this contact never lands.
	err = repo.Create(ctx, &domain.Message{
		ContactID:   c.ID,
		TenantID:    2,
		ChatbotID:   20,
		Direction:   domain.DirectionOutgoing,
		MessageType: domain.TypeText,
		ContentText: "leaked",
	})
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)

	var count int64
	require.NoError(t, db.Model(&messageModel{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	require.NoError(t, repo.Create(ctx, &domain.Message{
		ContactID:   c.ID,
		TenantID:    1,
		ChatbotID:   10,
		Direction:   domain.DirectionOutgoing,
		MessageType: domain.TypeText,
		ContentText: "hello",
	}))
}

func TestUpdateStatusByProviderID(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageGormRepository(db)
	ctx := context.Background()
	require.NoError(t, NewContactGormRepository(db).InitSchema(ctx))
	require.NoError(t, repo.InitSchema(ctx))

	msg := &domain.Message{
		ProviderMessageID: "wamid-9",
		ContactID:         1,
		TenantID:          1,
		ChatbotID:         10,
		Direction:         domain.DirectionOutgoing,
		MessageType:       domain.TypeText,
		Status:            domain.StatusSent,
	}
	require.NoError(t, repo.Create(ctx, msg))

	require.NoError(t, repo.UpdateStatusByProviderID(ctx, "wamid-9", domain.StatusDelivered))
	got, err := repo.GetByID(ctx, 1, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)

	err = repo.UpdateStatusByProviderID(ctx, "wamid-unknown", domain.StatusDelivered)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestUpdateActionIndicator(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageGormRepository(db)
	ctx := context.Background()
	require.NoError(t, NewContactGormRepository(db).InitSchema(ctx))
	require.NoError(t, repo.InitSchema(ctx))

	actionID := int64(77)
	body, _ := json.Marshal(domain.ActionIndicatorBody{
		ActionID:    actionID,
		RequestType: "refund_request",
		Status:      "pending",
		Priority:    "high",
	})
	msg := &domain.Message{
		ContactID:   1,
		TenantID:    1,
		ChatbotID:   10,
		Direction:   domain.DirectionInternal,
		MessageType: domain.TypeActionIndicator,
		ContentText: string(body),
		ActionID:    &actionID,
	}
	require.NoError(t, repo.Create(ctx, msg))

	require.NoError(t, repo.UpdateActionIndicator(ctx, 1, actionID, "approved"))

	got, err := repo.GetByID(ctx, 1, msg.ID)
	require.NoError(t, err)
	var updated domain.ActionIndicatorBody
	require.NoError(t, json.Unmarshal([]byte(got.ContentText), &updated))
	assert.Equal(t, "approved", updated.Status)
	assert.Equal(t, "refund_request", updated.RequestType)
}
