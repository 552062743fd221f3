package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftreplies/wabroker/agents"
	conversations "github.com/swiftreplies/wabroker/conversations/domain"
)

// newExecutorEnv wires a ToolExecutor over the worker test environment with a
// BSP stub that answers HEAD probes and sends.
func newExecutorEnv(t *testing.T) (*workerEnv, *ToolExecutor, *conversations.Contact) {
	t.Helper()
	env := newWorkerEnv(t, func(ctx context.Context, tc agents.TurnContext, input string, tools agents.ToolExecutor, emit func(agents.Event)) (string, error) {
		return "", nil
	})

	env.worker.transports.Get(testBinding()).WithHTTPClient(&http.Client{Transport: testRoundTripper(func(r *http.Request) (*http.Response, error) {
		if r.Method == http.MethodHead {
			resp := bspResponse(200, "")
			resp.Header.Set("Content-Type", "image/jpeg")
			resp.Header.Set("Content-Length", "2048")
			return resp, nil
		}
		env.sent.Add(1)
		return bspResponse(200, fmt.Sprintf(`{"messages":[{"messageId":"wamid-%d"}]}`, env.sent.Load())), nil
	})})

	contact, err := env.contacts.GetOrCreate(context.Background(), 1, 10, "9613451652", "Rami")
	require.NoError(t, err)

	turn := testTurn("hello")
	executor := NewToolExecutor(turn, contact, env.worker.transports.Get(testBinding()),
		env.messages, env.actions, env.usage, env.hub)
	return env, executor, contact
}

func exec(t *testing.T, e *ToolExecutor, name string, args map[string]any) (json.RawMessage, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return e.Execute(context.Background(), agents.ToolCall{Name: name, CorrelationID: "c1", Arguments: raw})
}

func TestToolsRejectForeignRecipient(t *testing.T) {
	env, executor, _ := newExecutorEnv(t)

	_, err := exec(t, executor, "send_image", map[string]any{
		"to_number": "96170009999",
		"image_url": "https://cdn.example.com/a.jpg",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "current conversation")
	assert.Equal(t, int64(0), env.sent.Load())
}

func TestSendLocationBoundaryCoordinates(t *testing.T) {
	_, executor, _ := newExecutorEnv(t)

	// Poles and the antimeridian are valid.
	_, err := exec(t, executor, "send_location", map[string]any{
		"to_number": "9613451652", "lat": 90.0, "lon": -180.0,
	})
	require.NoError(t, err)

	_, err = exec(t, executor, "send_location", map[string]any{
		"to_number": "9613451652", "lat": 90.01, "lon": 0.0,
	})
	assert.Error(t, err)

	_, err = exec(t, executor, "send_location", map[string]any{
		"to_number": "9613451652", "lat": 0.0, "lon": 180.5,
	})
	assert.Error(t, err)
}

func TestSendLocationFieldLengthCaps(t *testing.T) {
	_, executor, _ := newExecutorEnv(t)

	_, err := exec(t, executor, "send_location", map[string]any{
		"to_number": "9613451652", "lat": 33.8938, "lon": 35.5018,
		"name": strings.Repeat("n", maxLocationFieldLen),
	})
	require.NoError(t, err)

	_, err = exec(t, executor, "send_location", map[string]any{
		"to_number": "9613451652", "lat": 33.8938, "lon": 35.5018,
		"address": strings.Repeat("a", maxLocationFieldLen+1),
	})
	assert.Error(t, err)
}

func TestSubmitActionValidation(t *testing.T) {
	env, executor, _ := newExecutorEnv(t)

	_, err := exec(t, executor, "submit_action", map[string]any{
		"request_type": "refund_request", "request_details": "details", "priority": "urgent",
	})
	assert.Error(t, err, "priority outside the whitelist")

	_, err = exec(t, executor, "submit_action", map[string]any{
		"request_type": strings.Repeat("t", 101), "request_details": "details", "priority": "low",
	})
	assert.Error(t, err)

	pending, listErr := env.actions.ListPending(context.Background(), 1)
	require.NoError(t, listErr)
	assert.Empty(t, pending)
}

func TestSubmitActionRequestDataByteCap(t *testing.T) {
	_, executor, _ := newExecutorEnv(t)

	// A JSON string payload of exactly the cap passes; one byte over fails.
	pad := func(total int) json.RawMessage {
		return json.RawMessage(`{"pad":"` + strings.Repeat("x", total-len(`{"pad":""}`)) + `"}`)
	}
	atCap, _ := json.Marshal(map[string]any{
		"request_type": "custom_quote", "request_details": "bulk order",
		"priority": "medium", "request_data": pad(10240),
	})
	_, err := executor.Execute(context.Background(), agents.ToolCall{Name: "submit_action", Arguments: atCap})
	require.NoError(t, err)

	overCap, _ := json.Marshal(map[string]any{
		"request_type": "custom_quote", "request_details": "bulk order",
		"priority": "medium", "request_data": pad(10241),
	})
	_, err = executor.Execute(context.Background(), agents.ToolCall{Name: "submit_action", Arguments: overCap})
	assert.Error(t, err)
}

func TestSendImagePersistsAndCounts(t *testing.T) {
	env, executor, _ := newExecutorEnv(t)

	res, err := exec(t, executor, "send_image", map[string]any{
		"to_number": "9613451652",
		"image_url": "https://cdn.example.com/product.jpg",
		"caption":   "Here is the product",
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res, &out))
	assert.Equal(t, "sent", out["status"])
	assert.Equal(t, int64(1), env.countMessages(t, conversations.DirectionOutgoing))
}

func TestUnknownToolIsAnError(t *testing.T) {
	_, executor, _ := newExecutorEnv(t)
	_, err := exec(t, executor, "drop_tables", map[string]any{})
	assert.Error(t, err)
}
