// Package pipeline is the ingress-to-agent core: destination routing,
// per-conversation debouncing, the bounded worker pool with single-flight
// discipline, and tool execution. All state lives in an explicitly
// constructed Pipeline value; there are no package-level singletons.
package pipeline

import (
	"fmt"
	"time"

	conversations "github.com/swiftreplies/wabroker/conversations/domain"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// ConversationKey identifies one tenant-scoped conversation. Keyed by phone
// rather than contact id because the contact row may not exist until a
// worker first touches the conversation.
type ConversationKey string

func KeyFor(tenantID tenants.TenantID, customerPhone string) ConversationKey {
	return ConversationKey(fmt.Sprintf("%d|%s", tenantID, customerPhone))
}

// InboundMessage is one normalized BSP webhook record.
type InboundMessage struct {
	ProviderMessageID string
	From              string // customer MSISDN, normalized
	To                string // business MSISDN, normalized
	Type              conversations.MessageType
	Text              string
	MediaURL          string
	Caption           string
	// Latitude and Longitude are set for location messages only.
	Latitude    float64
	Longitude   float64
	ContactName string
	ReceivedAt  time.Time
}

// coordText is the canonical "lat,lon" rendering used for transcript rows
// and agent input.
func coordText(lat, lon float64) string {
	return fmt.Sprintf("%.6f,%.6f", lat, lon)
}

// RoutedMessage pairs an inbound record with its resolved tenant binding.
type RoutedMessage struct {
	Binding tenants.SenderBinding
	Msg     InboundMessage
}

// Attachment is a non-text part of a Turn.
type Attachment struct {
	Type      conversations.MessageType
	URL       string
	Caption   string
	Latitude  float64
	Longitude float64
	// Transcript is filled by the transcriber for audio attachments.
	Transcript string
}

// Turn is the coalesced unit scheduled through the worker pool.
type Turn struct {
	Key          ConversationKey
	Binding      tenants.SenderBinding
	FromNumber   string
	ContactName  string
	Messages     []InboundMessage
	MergedText   string
	Attachments  []Attachment
	FirstArrival time.Time
	LastArrival  time.Time
	LanguageHint string
}
