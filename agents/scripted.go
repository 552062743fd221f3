package agents

import "context"

// ScriptedAgent replays a fixed script of events. It exists for pipeline
// tests and for wiring smoke checks without an API key.
type ScriptedAgent struct {
	AgentID string
	// Script is invoked per run; it may call the executor and returns the
	// final reply text.
	Script func(ctx context.Context, tc TurnContext, input string, tools ToolExecutor, emit func(Event)) (string, error)
}

func (s *ScriptedAgent) ID() string {
	return s.AgentID
}

func (s *ScriptedAgent) Run(ctx context.Context, threadID string, tc TurnContext, input string, tools ToolExecutor) (<-chan Event, error) {
	events := make(chan Event, 32)
	go func() {
		defer close(events)
		emit := func(e Event) { events <- e }
		final, err := s.Script(ctx, tc, input, tools, emit)
		if err != nil {
			events <- ErrorEvent{Kind: "agent", Detail: err.Error()}
			return
		}
		events <- Final{Text: final}
	}()
	return events, nil
}
