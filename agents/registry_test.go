package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&ScriptedAgent{AgentID: "ecla"}))
	require.NoError(t, r.Register(&ScriptedAgent{AgentID: "astro"}))

	a, err := r.Get("ecla")
	require.NoError(t, err)
	assert.Equal(t, "ecla", a.ID())

	_, err = r.Get("missing")
	assert.Error(t, err)
	assert.ElementsMatch(t, []string{"ecla", "astro"}, r.IDs())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&ScriptedAgent{AgentID: "ecla"}))
	assert.Error(t, r.Register(&ScriptedAgent{AgentID: "ecla"}))
}

func TestScriptedAgentEmitsFinal(t *testing.T) {
	agent := &ScriptedAgent{
		AgentID: "test",
		Script: func(ctx context.Context, tc TurnContext, input string, tools ToolExecutor, emit func(Event)) (string, error) {
			emit(TextChunk{Text: "thinking"})
			return "done: " + input, nil
		},
	}

	events, err := agent.Run(context.Background(), "thread-1", TurnContext{}, "hi", nil)
	require.NoError(t, err)

	var got []Event
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, TextChunk{Text: "thinking"}, got[0])
	assert.Equal(t, Final{Text: "done: hi"}, got[1])
}
