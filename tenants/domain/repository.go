package domain

import "context"

type ITenantRepository interface {
	InitSchema(ctx context.Context) error
	GetTenant(ctx context.Context, id TenantID) (*Tenant, error)
	GetChatbot(ctx context.Context, id ChatbotID) (*Chatbot, error)
	UpsertTenant(ctx context.Context, t *Tenant) error
	UpsertChatbot(ctx context.Context, c *Chatbot) error
	// ListBindings returns the active sender bindings from the store; used
	// to hydrate the in-memory sender map.
	ListBindings(ctx context.Context) ([]SenderBinding, error)
}
