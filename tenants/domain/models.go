package domain

import "time"

// TenantID and ChatbotID are typed so a tenant cannot silently go missing at
// a store or transport boundary.
type TenantID int64

type ChatbotID int64

// Tenant represents one business account. Created out-of-band, read-mostly
// at runtime.
type Tenant struct {
	ID           TenantID
	Name         string
	Subscription Subscription
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Subscription carries the outbound caps and feature flags enforced by the
// usage layer. A zero cap means unlimited.
type Subscription struct {
	DailyOutboundCap   int
	MonthlyOutboundCap int
	Flags              map[string]bool
}

func (s Subscription) FlagEnabled(name string) bool {
	return s.Flags[name]
}

// Chatbot is the routable unit: one sender MSISDN, one agent.
type Chatbot struct {
	ID           ChatbotID
	TenantID     TenantID
	SenderMSISDN string
	Instructions string
	AgentID      string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SenderBinding is the resolved routing record for one destination number.
// The router hands it to the rest of the pipeline; transport credentials may
// be empty and fall back to the global defaults.
type SenderBinding struct {
	SenderMSISDN string
	TenantID     TenantID
	ChatbotID    ChatbotID
	AgentID      string
	BSPBaseURL   string
	BSPAPIKey    string
}
