package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"
)

const (
	openAIMaxToolRounds = 8
	openAIMaxHistory    = 40
)

// OpenAIAgent backs an agent_id with the Chat Completions API. Thread memory
// is an in-process rolling window keyed by thread_id.
type OpenAIAgent struct {
	id     string
	model  openai.ChatModel
	client openai.Client

	mu      sync.Mutex
	threads map[string][]openai.ChatCompletionMessageParamUnion
}

func NewOpenAIAgent(id, apiKey, model string) *OpenAIAgent {
	return &OpenAIAgent{
		id:      id,
		model:   openai.ChatModel(model),
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		threads: make(map[string][]openai.ChatCompletionMessageParamUnion),
	}
}

func (a *OpenAIAgent) ID() string {
	return a.id
}

func (a *OpenAIAgent) Run(ctx context.Context, threadID string, tc TurnContext, input string, tools ToolExecutor) (<-chan Event, error) {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		a.run(ctx, threadID, tc, input, tools, events)
	}()
	return events, nil
}

func (a *OpenAIAgent) run(ctx context.Context, threadID string, tc TurnContext, input string, tools ToolExecutor, events chan<- Event) {
	messages := a.history(threadID)
	if len(messages) == 0 && tc.Instructions != "" {
		messages = append(messages, openai.SystemMessage(tc.Instructions))
	}
	messages = append(messages, openai.UserMessage(input))

	params := openai.ChatCompletionNewParams{
		Model:    a.model,
		Messages: messages,
		Tools:    toOpenAITools(tools.Specs()),
	}

	for round := 0; round < openAIMaxToolRounds; round++ {
		completion, err := a.client.Chat.Completions.New(ctx, params)
		if err != nil {
			events <- ErrorEvent{Kind: "agent", Detail: err.Error()}
			return
		}
		if len(completion.Choices) == 0 {
			events <- ErrorEvent{Kind: "agent", Detail: "empty completion"}
			return
		}
		msg := completion.Choices[0].Message

		if len(msg.ToolCalls) == 0 {
			if msg.Content != "" {
				events <- TextChunk{Text: msg.Content}
			}
			params.Messages = append(params.Messages, msg.ToParam())
			a.storeHistory(threadID, params.Messages)
			events <- Final{Text: msg.Content}
			return
		}

		params.Messages = append(params.Messages, msg.ToParam())
		for _, tcall := range msg.ToolCalls {
			call := ToolCall{
				Name:          tcall.Function.Name,
				CorrelationID: tcall.ID,
				Arguments:     json.RawMessage(tcall.Function.Arguments),
			}
			events <- ToolCallEvent{Call: call}

			result, execErr := tools.Execute(ctx, call)
			if execErr != nil {
				// Tool errors go back to the model so it can correct.
				result, _ = json.Marshal(map[string]string{"error": execErr.Error()})
				events <- ToolResultEvent{CorrelationID: call.CorrelationID, Err: execErr.Error()}
			} else {
				events <- ToolResultEvent{CorrelationID: call.CorrelationID, Result: result}
			}
			params.Messages = append(params.Messages, openai.ToolMessage(string(result), tcall.ID))
		}
	}

	events <- ErrorEvent{Kind: "agent", Detail: fmt.Sprintf("tool loop exceeded %d rounds", openAIMaxToolRounds)}
}

func (a *OpenAIAgent) history(threadID string) []openai.ChatCompletionMessageParamUnion {
	a.mu.Lock()
	defer a.mu.Unlock()
	stored := a.threads[threadID]
	out := make([]openai.ChatCompletionMessageParamUnion, len(stored))
	copy(out, stored)
	return out
}

func (a *OpenAIAgent) storeHistory(threadID string, messages []openai.ChatCompletionMessageParamUnion) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(messages) > openAIMaxHistory {
		// Keep the leading system prompt when trimming.
		trimmed := make([]openai.ChatCompletionMessageParamUnion, 0, openAIMaxHistory)
		trimmed = append(trimmed, messages[0])
		trimmed = append(trimmed, messages[len(messages)-openAIMaxHistory+1:]...)
		messages = trimmed
	}
	a.threads[threadID] = messages
	logrus.Debugf("[AGENTS] Thread %s history now %d entries", threadID, len(messages))
}

func toOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        s.Name,
					Description: openai.String(s.Description),
					Parameters:  openai.FunctionParameters(s.Parameters),
				},
			},
		})
	}
	return out
}
