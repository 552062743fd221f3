package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

const (
	geminiMaxToolRounds = 8
	geminiMaxHistory    = 40
)

// GeminiAgent backs an agent_id with the Gemini API.
type GeminiAgent struct {
	id     string
	model  string
	apiKey string

	mu      sync.Mutex
	threads map[string][]*genai.Content
}

func NewGeminiAgent(id, apiKey, model string) *GeminiAgent {
	return &GeminiAgent{
		id:      id,
		model:   model,
		apiKey:  apiKey,
		threads: make(map[string][]*genai.Content),
	}
}

func (a *GeminiAgent) ID() string {
	return a.id
}

func (a *GeminiAgent) Run(ctx context.Context, threadID string, tc TurnContext, input string, tools ToolExecutor) (<-chan Event, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  a.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		a.run(ctx, client, threadID, tc, input, tools, events)
	}()
	return events, nil
}

func (a *GeminiAgent) run(ctx context.Context, client *genai.Client, threadID string, tc TurnContext, input string, tools ToolExecutor, events chan<- Event) {
	genConfig := &genai.GenerateContentConfig{}
	if tc.Instructions != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(tc.Instructions, "")
	}
	if decls := toGeminiTools(tools.Specs()); len(decls) > 0 {
		genConfig.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := a.history(threadID)
	contents = append(contents, genai.NewContentFromText(input, genai.RoleUser))

	for round := 0; round < geminiMaxToolRounds; round++ {
		result, err := client.Models.GenerateContent(ctx, a.model, contents, genConfig)
		if err != nil {
			events <- ErrorEvent{Kind: "agent", Detail: err.Error()}
			return
		}
		if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
			events <- ErrorEvent{Kind: "agent", Detail: "empty candidate"}
			return
		}
		modelContent := result.Candidates[0].Content
		contents = append(contents, modelContent)

		var calls []*genai.FunctionCall
		var text string
		for _, part := range modelContent.Parts {
			if part.FunctionCall != nil {
				calls = append(calls, part.FunctionCall)
			}
			if part.Text != "" {
				text += part.Text
			}
		}

		if len(calls) == 0 {
			if text != "" {
				events <- TextChunk{Text: text}
			}
			a.storeHistory(threadID, contents)
			events <- Final{Text: text}
			return
		}

		var responseParts []*genai.Part
		for i, fc := range calls {
			args, _ := json.Marshal(fc.Args)
			correlationID := fc.ID
			if correlationID == "" {
				correlationID = fmt.Sprintf("%s-%d-%d", fc.Name, round, i)
			}
			call := ToolCall{Name: fc.Name, CorrelationID: correlationID, Arguments: args}
			events <- ToolCallEvent{Call: call}

			response := map[string]any{}
			result, execErr := tools.Execute(ctx, call)
			if execErr != nil {
				response["error"] = execErr.Error()
				events <- ToolResultEvent{CorrelationID: correlationID, Err: execErr.Error()}
			} else {
				if err := json.Unmarshal(result, &response); err != nil {
					response = map[string]any{"result": string(result)}
				}
				events <- ToolResultEvent{CorrelationID: correlationID, Result: result}
			}
			responseParts = append(responseParts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       fc.ID,
					Name:     fc.Name,
					Response: response,
				},
			})
		}
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: responseParts})
	}

	events <- ErrorEvent{Kind: "agent", Detail: fmt.Sprintf("tool loop exceeded %d rounds", geminiMaxToolRounds)}
}

func (a *GeminiAgent) history(threadID string) []*genai.Content {
	a.mu.Lock()
	defer a.mu.Unlock()
	stored := a.threads[threadID]
	out := make([]*genai.Content, len(stored))
	copy(out, stored)
	return out
}

func (a *GeminiAgent) storeHistory(threadID string, contents []*genai.Content) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(contents) > geminiMaxHistory {
		contents = contents[len(contents)-geminiMaxHistory:]
	}
	a.threads[threadID] = contents
	logrus.Debugf("[AGENTS] Thread %s history now %d entries", threadID, len(contents))
}

func toGeminiTools(specs []ToolSpec) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		out = append(out, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  toGeminiSchema(s.Parameters),
		})
	}
	return out
}

// toGeminiSchema reuses the JSON-schema shape of ToolSpec.Parameters by
// round-tripping it through the genai schema type.
func toGeminiSchema(params map[string]any) *genai.Schema {
	data, _ := json.Marshal(params)
	var schema genai.Schema
	_ = json.Unmarshal(data, &schema)
	if schema.Type == "" {
		schema.Type = "object"
	}
	return &schema
}

// GeminiTranscriber converts inbound voice notes to text through the same
// API family the Gemini agent uses.
type GeminiTranscriber struct {
	model  string
	apiKey string
}

func NewGeminiTranscriber(apiKey, model string) *GeminiTranscriber {
	return &GeminiTranscriber{apiKey: apiKey, model: model}
}

func (t *GeminiTranscriber) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  t.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", err
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: "Transcribe this audio message verbatim. Reply with the transcript only."},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}},
		},
	}}
	result, err := client.Models.GenerateContent(ctx, t.model, contents, nil)
	if err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", fmt.Errorf("empty transcription result")
	}
	var text string
	for _, part := range result.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text, nil
}
