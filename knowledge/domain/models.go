package domain

import (
	"context"
	"time"

	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// KnowledgeEntry is one per-chatbot Q/A pair populated from catalog events.
// (chatbot_id, category, question) is the upsert key.
type KnowledgeEntry struct {
	ID        int64
	TenantID  tenants.TenantID
	ChatbotID tenants.ChatbotID
	Category  string
	Question  string
	Answer    string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type IKnowledgeRepository interface {
	InitSchema(ctx context.Context) error
	Upsert(ctx context.Context, e *KnowledgeEntry) error
	// DeactivateCategory soft-deletes every entry in a category; used when a
	// catalog item is removed upstream.
	DeactivateCategory(ctx context.Context, chatbotID tenants.ChatbotID, category string) error
	ListActive(ctx context.Context, chatbotID tenants.ChatbotID) ([]KnowledgeEntry, error)
}
