package domain

import "errors"

var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrChatbotNotFound = errors.New("chatbot not found")

	// ErrUnroutable marks an inbound event whose destination number has no
	// sender binding. Such events are dead-lettered, never replied to.
	ErrUnroutable = errors.New("destination number has no tenant binding")
)
