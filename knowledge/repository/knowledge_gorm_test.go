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

	"github.com/swiftreplies/wabroker/knowledge/domain"
)

func newTestRepo(t *testing.T) *KnowledgeGormRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	repo := NewKnowledgeGormRepository(db)
	require.NoError(t, repo.InitSchema(context.Background()))
	return repo
}

func TestUpsertReplacesAnswer(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	e := &domain.KnowledgeEntry{
		TenantID: 1, ChatbotID: 10,
		Category: "cedar-honey",
		Question: "What is Cedar Honey?",
		Answer:   "Raw honey.",
		IsActive: true,
	}
	require.NoError(t, repo.Upsert(ctx, e))

	e.Answer = "Raw cedar honey, 500g jar."
	require.NoError(t, repo.Upsert(ctx, e))

	active, err := repo.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Raw cedar honey, 500g jar.", active[0].Answer)
}

func TestDeactivateCategory(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, q := range []string{"What is Soap?", "How much does Soap cost?"} {
		require.NoError(t, repo.Upsert(ctx, &domain.KnowledgeEntry{
			TenantID: 1, ChatbotID: 10, Category: "soap", Question: q, Answer: "x", IsActive: true,
		}))
	}
	require.NoError(t, repo.Upsert(ctx, &domain.KnowledgeEntry{
		TenantID: 1, ChatbotID: 10, Category: "honey", Question: "What is Honey?", Answer: "y", IsActive: true,
	}))

	require.NoError(t, repo.DeactivateCategory(ctx, 10, "soap"))

	active, err := repo.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "honey", active[0].Category)
}
