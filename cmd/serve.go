package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	actionsRepo "github.com/swiftreplies/wabroker/actions/repository"
	"github.com/swiftreplies/wabroker/agents"
	"github.com/swiftreplies/wabroker/broadcast"
	conversationsRepo "github.com/swiftreplies/wabroker/conversations/repository"
	"github.com/swiftreplies/wabroker/core/config"
	"github.com/swiftreplies/wabroker/core/database"
	knowledgeRepo "github.com/swiftreplies/wabroker/knowledge/repository"
	"github.com/swiftreplies/wabroker/pipeline"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
	tenantsRepo "github.com/swiftreplies/wabroker/tenants/repository"
	"github.com/swiftreplies/wabroker/transport/whatsapp"
	"github.com/swiftreplies/wabroker/ui/rest"
	"github.com/swiftreplies/wabroker/ui/rest/middleware"
	uiWebsocket "github.com/swiftreplies/wabroker/ui/websocket"
	usageRepo "github.com/swiftreplies/wabroker/usage/repository"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Errorf("[APP] Invalid configuration: %v", err)
		os.Exit(exitConfigError)
	}
	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	db, err := database.NewDatabase(cfg)
	if err != nil {
		logrus.Errorf("[APP] Database unavailable: %v", err)
		os.Exit(exitStoreError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repositories.
	contacts := conversationsRepo.NewContactGormRepository(db)
	messages := conversationsRepo.NewMessageGormRepository(db)
	tenantRepo := tenantsRepo.NewTenantGormRepository(db)
	actionRepo := actionsRepo.NewActionGormRepository(db)
	usage := usageRepo.NewUsageGormRepository(db)
	knowledge := knowledgeRepo.NewKnowledgeGormRepository(db)

	// Sender map: config blocks take precedence, DB bindings fill the rest.
	senders := tenantsRepo.NewSenderMap(collectBindings(ctx, cfg, tenantRepo))
	if senders.Size() == 0 {
		logrus.Error("[APP] No sender bindings configured; nothing to route")
		os.Exit(exitConfigError)
	}

	// Transport: one client per sender, verified before we accept traffic.
	transports := whatsapp.NewManager(cfg.Transport, senders.All())
	pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := transports.PingAll(pingCtx); err != nil {
		pingCancel()
		logrus.Errorf("[APP] %v", err)
		os.Exit(exitTransportError)
	}
	pingCancel()

	// Keep the /health reachability flag current.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(ctx, 15*time.Second)
				if err := transports.PingAll(pctx); err != nil {
					logrus.WithError(err).Warn("[APP] Transport ping failed")
				}
				pcancel()
			}
		}
	}()

	registry, transcriber := buildAgents(cfg, senders.All())

	// Broadcast hub plus its external feeds.
	hub := broadcast.NewHub()
	listener, err := database.NewChangeListener(cfg, broadcast.NotifyChannel)
	if err != nil {
		logrus.WithError(err).Warn("[APP] Change listener unavailable, continuing without it")
	}
	go broadcast.RunPGBridge(ctx, listener, hub)
	if cfg.Valkey.Enabled {
		relay, err := broadcast.NewValkeyRelay(cfg.Valkey, hub)
		if err != nil {
			logrus.Errorf("[APP] Valkey relay unavailable: %v", err)
			os.Exit(exitStoreError)
		}
		go relay.Run(ctx)
	}

	worker := pipeline.NewWorker(contacts, messages, tenantRepo, actionRepo, usage, knowledge,
		registry, transcriber, transports, hub, cfg.Pipeline.AgentDeadline)
	if !cfg.Features.UsageTracking {
		logrus.Warn("[APP] Usage tracking disabled, quotas will not be enforced")
		worker.WithQuotaEnforcement(false)
	}
	p := pipeline.NewPipeline(cfg.Pipeline, pipeline.NewRouter(senders), worker,
		contacts, messages, transports, hub)
	p.Start(ctx)

	app := buildFiberApp(cfg)
	api := app.Group(cfg.App.BasePath)
	rest.InitRestWebhook(api, p, messages)
	rest.InitRestManual(api, contacts, messages, senders, transports, hub)
	if cfg.Features.ActionsCenter {
		rest.InitRestActionFeedback(api, actionRepo, contacts, messages, senders, transports, hub)
	}
	rest.InitRestShopify(api, cfg.Shopify.WebhookSecret, knowledge)
	rest.InitRestContacts(api, contacts, hub)
	rest.InitRestStream(api, hub)
	rest.InitRestHealth(api, p, transports, hub)
	uiWebsocket.RegisterRoutes(api, hub)

	// SIGHUP refreshes the sender map without a restart.
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			logrus.Info("[APP] SIGHUP: reloading sender bindings")
			senders.Reload(collectBindings(ctx, cfg, tenantRepo))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("[APP] Termination signal, shutting down gracefully")
		if err := app.Shutdown(); err != nil {
			logrus.Errorf("[APP] Fiber shutdown: %v", err)
		}
		cancel()
		p.Shutdown(cfg.Pipeline.ShutdownBudget)
	}()

	if err := app.Listen(":" + cfg.App.Port); err != nil {
		logrus.Errorf("[APP] Server failed: %v", err)
		os.Exit(exitConfigError)
	}
	logrus.Info("[APP] Stopped cleanly")
}

func buildFiberApp(cfg *config.Config) *fiber.App {
	fiberConfig := fiber.Config{
		AppName:      "wabroker",
		BodyLimit:    cfg.App.BodyLimit,
		Network:      "tcp",
		ServerHeader: "Hidden",
	}
	if len(cfg.App.TrustedProxies) > 0 {
		fiberConfig.EnableTrustedProxyCheck = true
		fiberConfig.TrustedProxies = cfg.App.TrustedProxies
		fiberConfig.ProxyHeader = fiber.HeaderXForwardedFor
	}

	app := fiber.New(fiberConfig)
	app.Use(requestid.New())
	if len(cfg.App.CorsAllowedOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.App.CorsAllowedOrigins, ", "),
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		}))
	}
	app.Use(middleware.Recovery())
	app.Use(helmet.New())
	app.Use(limiter.New(limiter.Config{
		Max:        1000,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))
	if cfg.App.Debug {
		app.Use(fiberlogger.New())
	}
	return app
}

// collectBindings merges the env tenant blocks with the bindings stored in
// the DB. Env blocks win on sender collisions.
func collectBindings(ctx context.Context, cfg *config.Config, repo tenants.ITenantRepository) []tenants.SenderBinding {
	out := make([]tenants.SenderBinding, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		out = append(out, tenants.SenderBinding{
			SenderMSISDN: t.SenderMSISDN,
			TenantID:     tenants.TenantID(t.TenantID),
			ChatbotID:    tenants.ChatbotID(t.ChatbotID),
			AgentID:      t.AgentID,
			BSPBaseURL:   t.BSPBaseURL,
			BSPAPIKey:    t.BSPAPIKey,
		})
	}
	stored, err := repo.ListBindings(ctx)
	if err != nil {
		logrus.WithError(err).Warn("[APP] Could not list stored bindings")
		return out
	}
	return append(out, stored...)
}

// buildAgents registers one agent per distinct agent id referenced by the
// bindings. Ids beginning with "gemini" run on Gemini, everything else on
// OpenAI-compatible chat completions.
func buildAgents(cfg *config.Config, bindings []tenants.SenderBinding) (*agents.Registry, agents.Transcriber) {
	registry := agents.NewRegistry()
	for _, b := range bindings {
		if _, err := registry.Get(b.AgentID); err == nil {
			continue
		}
		var agent agents.Agent
		if strings.HasPrefix(b.AgentID, "gemini") {
			agent = agents.NewGeminiAgent(b.AgentID, cfg.Agents.GeminiAPIKey, cfg.Agents.GeminiModel)
		} else {
			agent = agents.NewOpenAIAgent(b.AgentID, cfg.Agents.OpenAIAPIKey, cfg.Agents.OpenAIModel)
		}
		if err := registry.Register(agent); err != nil {
			logrus.WithError(err).Warnf("[APP] Agent %q not registered", b.AgentID)
		}
	}

	var transcriber agents.Transcriber = agents.NoopTranscriber{}
	if cfg.Agents.GeminiAPIKey != "" {
		transcriber = agents.NewGeminiTranscriber(cfg.Agents.GeminiAPIKey, cfg.Agents.GeminiModel)
	}
	return registry, transcriber
}
