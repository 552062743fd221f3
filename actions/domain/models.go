package domain

import (
	"encoding/json"
	"errors"
	"time"

	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusCancelled
}

// Field limits enforced at creation time.
const (
	MaxRequestTypeLen    = 100
	MaxRequestDetailsLen = 2000
	MaxRequestDataBytes  = 10240
)

// Action is a human-in-the-loop request raised by an agent tool and resolved
// by an operator.
type Action struct {
	ID             int64
	TenantID       tenants.TenantID
	ChatbotID      tenants.ChatbotID
	ContactID      int64
	RequestType    string
	RequestDetails string
	RequestData    json.RawMessage
	Priority       Priority
	Status         Status
	UserResponse   string
	ResponseData   json.RawMessage
	CreatedAt      time.Time
	ResolvedAt     *time.Time
	ExpiresAt      *time.Time
}

var (
	ErrActionNotFound = errors.New("action not found")
	ErrTenantMismatch = errors.New("action belongs to another tenant")
)
