// Package agents defines the narrow interface between the pipeline and the
// AI backends. Agents are stateful only through thread ids; conversation
// memory belongs to the backend, never to the broker.
package agents

import (
	"context"
	"encoding/json"

	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// TurnContext is the per-turn envelope handed to an agent. The tenant always
// travels with the turn; tools must never take it from model output.
type TurnContext struct {
	TenantID     tenants.TenantID
	ChatbotID    tenants.ChatbotID
	ContactID    int64
	FromNumber   string
	LanguageHint string
	Instructions string
}

// ToolSpec describes one callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object: {"type":"object","properties":...}.
	Parameters map[string]any
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	Name          string
	CorrelationID string
	Arguments     json.RawMessage
}

// ToolExecutor runs tool calls on behalf of an agent. Implementations are
// tenant-scoped per turn.
type ToolExecutor interface {
	Specs() []ToolSpec
	Execute(ctx context.Context, call ToolCall) (json.RawMessage, error)
}

// Event is the closed sum of things an agent can emit during a run.
type Event interface {
	isAgentEvent()
}

type TextChunk struct {
	Text string
}

type ToolCallEvent struct {
	Call ToolCall
}

type ToolResultEvent struct {
	CorrelationID string
	Result        json.RawMessage
	Err           string
}

// Final carries the one customer-visible reply of the turn.
type Final struct {
	Text string
}

type ErrorEvent struct {
	Kind   string
	Detail string
}

func (TextChunk) isAgentEvent()       {}
func (ToolCallEvent) isAgentEvent()   {}
func (ToolResultEvent) isAgentEvent() {}
func (Final) isAgentEvent()           {}
func (ErrorEvent) isAgentEvent()      {}

// Agent produces a stream of events for one coalesced turn. The channel is
// closed when the run ends; an ErrorEvent before close marks a failed turn.
type Agent interface {
	ID() string
	Run(ctx context.Context, threadID string, tc TurnContext, input string, tools ToolExecutor) (<-chan Event, error)
}

// Transcriber converts inbound audio to text before dispatch. The zero
// implementation returns an empty transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mimeType string) (string, error)
}

// NoopTranscriber is used when no audio backend is configured.
type NoopTranscriber struct{}

func (NoopTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return "", nil
}
