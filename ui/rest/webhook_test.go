package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	actionsRepo "github.com/swiftreplies/wabroker/actions/repository"
	"github.com/swiftreplies/wabroker/agents"
	"github.com/swiftreplies/wabroker/broadcast"
	conversations "github.com/swiftreplies/wabroker/conversations/domain"
	conversationsRepo "github.com/swiftreplies/wabroker/conversations/repository"
	"github.com/swiftreplies/wabroker/core/config"
	knowledgeRepo "github.com/swiftreplies/wabroker/knowledge/repository"
	"github.com/swiftreplies/wabroker/pipeline"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
	tenantsGorm "github.com/swiftreplies/wabroker/tenants/repository"
	"github.com/swiftreplies/wabroker/transport/whatsapp"
	"github.com/swiftreplies/wabroker/ui/rest/middleware"
	usageRepo "github.com/swiftreplies/wabroker/usage/repository"
)

type restEnv struct {
	app        *fiber.App
	db         *gorm.DB
	contacts   *conversationsRepo.ContactGormRepository
	messages   *conversationsRepo.MessageGormRepository
	actions    *actionsRepo.ActionGormRepository
	senders    *tenantsGorm.SenderMap
	transports *whatsapp.Manager
	hub        *broadcast.Hub
	sent       *atomic.Int64
}

type stubTransport func(*http.Request) (*http.Response, error)

func (f stubTransport) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func restBinding() tenants.SenderBinding {
	return tenants.SenderBinding{
		SenderMSISDN: "96179374241",
		TenantID:     1,
		ChatbotID:    10,
		AgentID:      "openai-default",
	}
}

// newRestEnv stands up the full ingress surface over an in-memory store with
// a debounce window long enough that no turn flushes during a test.
func newRestEnv(t *testing.T) *restEnv {
	t.Helper()
	return newRestEnvWindow(t, time.Hour)
}

// newRestEnvWindow is newRestEnv with a configurable debounce window; short
// windows let a test observe the full webhook-to-worker path.
func newRestEnvWindow(t *testing.T, window time.Duration) *restEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	ctx := context.Background()
	contacts := conversationsRepo.NewContactGormRepository(db)
	messages := conversationsRepo.NewMessageGormRepository(db)
	tenantRepo := tenantsGorm.NewTenantGormRepository(db)
	actionRepo := actionsRepo.NewActionGormRepository(db)
	usage := usageRepo.NewUsageGormRepository(db)
	knowledge := knowledgeRepo.NewKnowledgeGormRepository(db)
	for _, init := range []func(context.Context) error{
		contacts.InitSchema, messages.InitSchema, tenantRepo.InitSchema,
		actionRepo.InitSchema, usage.InitSchema, knowledge.InitSchema,
	} {
		require.NoError(t, init(ctx))
	}

	registry := agents.NewRegistry()
	require.NoError(t, registry.Register(&agents.ScriptedAgent{
		AgentID: "openai-default",
		Script: func(ctx context.Context, tc agents.TurnContext, input string, tools agents.ToolExecutor, emit func(agents.Event)) (string, error) {
			return "ok", nil
		},
	}))

	senders := tenantsGorm.NewSenderMap([]tenants.SenderBinding{restBinding()})
	transportCfg := config.TransportConfig{BaseURL: "https://bsp.example.com", APIKey: "k", MaxRetries: 1}
	manager := whatsapp.NewManager(transportCfg, senders.All())
	sent := &atomic.Int64{}
	manager.Get(restBinding()).WithHTTPClient(&http.Client{Transport: stubTransport(func(r *http.Request) (*http.Response, error) {
		sent.Add(1)
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(fmt.Sprintf(`{"messages":[{"messageId":"wamid-%d"}]}`, sent.Load()))),
		}, nil
	})})
	hub := broadcast.NewHub()

	worker := pipeline.NewWorker(contacts, messages, tenantRepo, actionRepo, usage, knowledge,
		registry, agents.NoopTranscriber{}, manager, hub, time.Second)
	p := pipeline.NewPipeline(config.PipelineConfig{
		DebounceWindow:  window,
		DebounceFloor:   10 * time.Millisecond,
		MaxCoalesceSpan: 2 * window,
		MaxWorkers:      1,
		QueueCapacity:   4,
		EnqueueWait:     10 * time.Millisecond,
	}, pipeline.NewRouter(senders), worker, contacts, messages, manager, hub)
	p.Start(ctx)
	t.Cleanup(func() { p.Shutdown(time.Second) })

	app := fiber.New()
	app.Use(middleware.Recovery())
	InitRestWebhook(app, p, messages)
	InitRestManual(app, contacts, messages, senders, manager, hub)
	InitRestActionFeedback(app, actionRepo, contacts, messages, senders, manager, hub)
	InitRestContacts(app, contacts, hub)
	InitRestHealth(app, p, manager, hub)

	return &restEnv{app: app, db: db, contacts: contacts, messages: messages, actions: actionRepo, senders: senders, transports: manager, hub: hub, sent: sent}
}

func (e *restEnv) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestWebhookAcceptsInfobipEnvelope(t *testing.T) {
	env := newRestEnv(t)

	status, body := env.post(t, "/webhook", `{
		"results": [
			{
				"messageId": "wamid-in-1",
				"from": "9613451652",
				"to": "96179374241",
				"receivedAt": "2026-08-26T10:00:00Z",
				"message": {"type": "TEXT", "text": "hi"},
				"contact": {"name": "Rami"}
			},
			{
				"messageId": "wamid-in-2",
				"from": "9613451652",
				"to": "96179374241",
				"message": {"type": "IMAGE", "url": "https://cdn.example.com/a.jpg", "caption": "receipt"}
			}
		]
	}`)

	assert.Equal(t, 200, status)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(2), body["processed_messages"])
}

func TestWebhookSkipsMalformedRecordsIndividually(t *testing.T) {
	env := newRestEnv(t)

	status, body := env.post(t, "/webhook", `{
		"results": [
			{"messageId": "good", "from": "9613451652", "to": "96179374241", "message": {"type": "TEXT", "text": "hi"}},
			{"messageId": "no-message-payload", "from": "9613451652", "to": "96179374241"},
			{"messageId": "unroutable", "from": "9613451652", "to": "99900000000", "message": {"type": "TEXT", "text": "x"}}
		]
	}`)

	assert.Equal(t, 200, status)
	assert.Equal(t, float64(1), body["processed_messages"])
}

func TestWebhookRejectsUnparseableBody(t *testing.T) {
	env := newRestEnv(t)
	status, _ := env.post(t, "/webhook", `{"results": [`)
	assert.Equal(t, 400, status)
}

func TestWebhookAppliesDeliveryReport(t *testing.T) {
	env := newRestEnv(t)
	ctx := context.Background()

	contact, err := env.contacts.GetOrCreate(ctx, 1, 10, "9613451652", "")
	require.NoError(t, err)
	msg := &conversations.Message{
		ProviderMessageID: "wamid-out-9",
		ContactID:         contact.ID,
		TenantID:          1,
		ChatbotID:         10,
		Direction:         conversations.DirectionOutgoing,
		MessageType:       conversations.TypeText,
		ContentText:       "hello",
		Status:            conversations.StatusSent,
		SentAt:            time.Now(),
	}
	require.NoError(t, env.messages.Create(ctx, msg))

	status, _ := env.post(t, "/webhook", `{
		"results": [{"messageId": "wamid-out-9", "status": {"groupName": "DELIVERED"}}]
	}`)
	require.Equal(t, 200, status)

	stored, err := env.messages.GetByID(ctx, 1, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, conversations.StatusDelivered, stored.Status)
}

func TestWebhookNormalizesMetaEnvelope(t *testing.T) {
	env := newRestEnv(t)

	status, body := env.post(t, "/webhook", `{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"display_phone_number": "96179374241"},
					"contacts": [{"profile": {"name": "Rami"}}],
					"messages": [{"id": "meta-1", "from": "9613451652", "timestamp": "1756202400", "type": "text", "text": {"body": "hello"}}]
				}
			}]
		}]
	}`)

	assert.Equal(t, 200, status)
	assert.Equal(t, float64(1), body["processed_messages"])
}

func TestWebhookLocationRecordReachesTranscript(t *testing.T) {
	env := newRestEnvWindow(t, 20*time.Millisecond)

	status, _ := env.post(t, "/webhook", `{
		"results": [
			{
				"messageId": "wamid-loc-1",
				"from": "9613451652",
				"to": "96179374241",
				"receivedAt": "2026-08-26T10:00:00Z",
				"message": {"type": "LOCATION", "latitude": 33.8938, "longitude": 35.5018}
			}
		]
	}`)
	require.Equal(t, 200, status)

	// The debounced turn flushes in the background; wait for the row.
	deadline := time.Now().Add(2 * time.Second)
	var texts []string
	for time.Now().Before(deadline) {
		texts = nil
		require.NoError(t, env.db.Table("messages").
			Where("direction = ?", "incoming").
			Pluck("content_text", &texts).Error)
		if len(texts) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, texts, 1, "expected the location row to be persisted")
	assert.Equal(t, "33.893800,35.501800", texts[0])
}

func TestHealthEndpoint(t *testing.T) {
	env := newRestEnv(t)
	require.NoError(t, env.transports.PingAll(context.Background()))
	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["transport_reachable"])
}
