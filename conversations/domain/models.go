package domain

import (
	"encoding/json"
	"time"

	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionManual   Direction = "manual"
	// DirectionInternal rows never reach the BSP; they exist for operators
	// and diagnostics only.
	DirectionInternal Direction = "internal"
)

type MessageType string

const (
	TypeText            MessageType = "text"
	TypeImage           MessageType = "image"
	TypeAudio           MessageType = "audio"
	TypeDocument        MessageType = "document"
	TypeLocation        MessageType = "location"
	TypeTemplate        MessageType = "template"
	TypeActionIndicator MessageType = "action_indicator"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Contact is a conversational counterparty within one tenant. The same
// MSISDN may exist under several tenants as independent conversations.
type Contact struct {
	ID              int64
	TenantID        tenants.TenantID
	ChatbotID       tenants.ChatbotID
	PhoneNumber     string
	Name            string
	ThreadID        string
	Paused          bool
	PausedAt        *time.Time
	PausedBy        string
	LastInteraction *time.Time
	CustomFields    json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is one transcript envelope.
type Message struct {
	ID                   int64
	ProviderMessageID    string
	ContactID            int64
	TenantID             tenants.TenantID
	ChatbotID            tenants.ChatbotID
	Direction            Direction
	MessageType          MessageType
	ContentText          string
	ContentURL           string
	Status               MessageStatus
	SentAt               time.Time
	Metadata             json.RawMessage
	UserSent             bool
	AIProcessed          bool
	ProcessingDurationMs int64
	// ActionID links action_indicator rows to their Action.
	ActionID *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionIndicatorBody is the JSON content of an action_indicator message.
type ActionIndicatorBody struct {
	ActionID    int64  `json:"action_id"`
	RequestType string `json:"request_type"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
}
