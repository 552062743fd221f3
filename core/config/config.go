package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all broker configuration in a structured way. Loaded once at
// startup; tenant sender bindings are the only part that reloads at runtime.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Pipeline  PipelineConfig
	Transport TransportConfig
	Agents    AgentsConfig
	Shopify   ShopifyConfig
	Valkey    ValkeyConfig
	Features  FeatureFlags
	Tenants   []TenantBinding
}

type AppConfig struct {
	Port               string
	Debug              bool
	Environment        string
	BasePath           string
	CorsAllowedOrigins []string
	TrustedProxies     []string
	BodyLimit          int
}

type DatabaseConfig struct {
	// URL takes precedence over the discrete fields when set.
	URL      string
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	// MaxOpenConns must stay above Pipeline.MaxWorkers plus an ingress
	// reserve; Validate enforces that.
	MaxOpenConns   int
	IngressReserve int
}

type PipelineConfig struct {
	DebounceWindow   time.Duration
	DebounceFloor    time.Duration
	MaxCoalesceSpan  time.Duration
	MaxWorkers       int
	QueueCapacity    int
	AgentDeadline    time.Duration
	EnqueueWait      time.Duration
	ShutdownBudget   time.Duration
	BusyReplyEnabled bool
}

type TransportConfig struct {
	// Defaults for tenants that do not carry their own credentials.
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int
	MaxImageBytes  int64
	MaxMediaBytes  int64
}

type AgentsConfig struct {
	OpenAIAPIKey string
	OpenAIModel  string
	GeminiAPIKey string
	GeminiModel  string
}

type ShopifyConfig struct {
	WebhookSecret string
}

type ValkeyConfig struct {
	Enabled   bool
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	ServerID  string
}

type FeatureFlags struct {
	MultiTenant        bool
	UsageTracking      bool
	ActionsCenter      bool
	RouteByDestination bool
}

// TenantBinding is one sender_msisdn → tenant route, read from numbered env
// blocks (TENANT_1_SENDER_MSISDN, TENANT_1_TENANT_ID, ...).
type TenantBinding struct {
	SenderMSISDN string
	TenantID     int64
	ChatbotID    int64
	AgentID      string
	// Optional per-tenant BSP credentials; empty falls back to the
	// Transport defaults.
	BSPBaseURL string
	BSPAPIKey  string
}

const maxTenantBlocks = 256

// LoadConfig reads configuration from environment variables with defaults.
// godotenv has already populated the process environment by the time this runs.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_PORT", "3000")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_BODY_LIMIT", 10*1024*1024)
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_NAME", "wabroker")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_INGRESS_RESERVE", 5)
	v.SetDefault("DEBOUNCE_SECONDS", 3.0)
	v.SetDefault("DEBOUNCE_FLOOR_MS", 10)
	v.SetDefault("MAX_COALESCE_SPAN_SECONDS", 10)
	v.SetDefault("MAX_WORKERS", 5)
	v.SetDefault("QUEUE_CAPACITY", 1024)
	v.SetDefault("AGENT_DEADLINE_SECONDS", 60)
	v.SetDefault("ENQUEUE_WAIT_MS", 250)
	v.SetDefault("SHUTDOWN_BUDGET_SECONDS", 15)
	v.SetDefault("BUSY_REPLY_ENABLED", true)
	v.SetDefault("TRANSPORT_TIMEOUT_SECONDS", 30)
	v.SetDefault("TRANSPORT_MAX_RETRIES", 3)
	v.SetDefault("TRANSPORT_MAX_IMAGE_BYTES", int64(5*1024*1024))
	v.SetDefault("TRANSPORT_MAX_MEDIA_BYTES", int64(16*1024*1024))
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("GEMINI_MODEL", "gemini-2.0-flash")
	v.SetDefault("VALKEY_ADDRESS", "localhost:6379")
	v.SetDefault("VALKEY_KEY_PREFIX", "wabroker:")
	v.SetDefault("ENABLE_MULTI_TENANT", true)
	v.SetDefault("ENABLE_USAGE_TRACKING", true)
	v.SetDefault("ENABLE_ACTIONS_CENTER", true)
	v.SetDefault("ROUTE_BY_DESTINATION", true)

	cfg := &Config{
		App: AppConfig{
			Port:               v.GetString("APP_PORT"),
			Debug:              v.GetBool("APP_DEBUG"),
			Environment:        v.GetString("APP_ENV"),
			BasePath:           v.GetString("APP_BASE_PATH"),
			CorsAllowedOrigins: splitCSV(v.GetString("APP_CORS_ALLOWED_ORIGINS")),
			TrustedProxies:     splitCSV(v.GetString("APP_TRUSTED_PROXIES")),
			BodyLimit:          v.GetInt("APP_BODY_LIMIT"),
		},
		Database: DatabaseConfig{
			URL:            v.GetString("DATABASE_URL"),
			Driver:         v.GetString("DB_DRIVER"),
			Host:           v.GetString("DB_HOST"),
			Port:           v.GetInt("DB_PORT"),
			User:           v.GetString("DB_USER"),
			Password:       v.GetString("DB_PASSWORD"),
			Name:           v.GetString("DB_NAME"),
			MaxOpenConns:   v.GetInt("DB_MAX_OPEN_CONNS"),
			IngressReserve: v.GetInt("DB_INGRESS_RESERVE"),
		},
		Pipeline: PipelineConfig{
			DebounceWindow:   time.Duration(v.GetFloat64("DEBOUNCE_SECONDS") * float64(time.Second)),
			DebounceFloor:    time.Duration(v.GetInt("DEBOUNCE_FLOOR_MS")) * time.Millisecond,
			MaxCoalesceSpan:  time.Duration(v.GetInt("MAX_COALESCE_SPAN_SECONDS")) * time.Second,
			MaxWorkers:       v.GetInt("MAX_WORKERS"),
			QueueCapacity:    v.GetInt("QUEUE_CAPACITY"),
			AgentDeadline:    time.Duration(v.GetInt("AGENT_DEADLINE_SECONDS")) * time.Second,
			EnqueueWait:      time.Duration(v.GetInt("ENQUEUE_WAIT_MS")) * time.Millisecond,
			ShutdownBudget:   time.Duration(v.GetInt("SHUTDOWN_BUDGET_SECONDS")) * time.Second,
			BusyReplyEnabled: v.GetBool("BUSY_REPLY_ENABLED"),
		},
		Transport: TransportConfig{
			BaseURL:        v.GetString("BSP_BASE_URL"),
			APIKey:         v.GetString("BSP_API_KEY"),
			RequestTimeout: time.Duration(v.GetInt("TRANSPORT_TIMEOUT_SECONDS")) * time.Second,
			MaxRetries:     v.GetInt("TRANSPORT_MAX_RETRIES"),
			MaxImageBytes:  v.GetInt64("TRANSPORT_MAX_IMAGE_BYTES"),
			MaxMediaBytes:  v.GetInt64("TRANSPORT_MAX_MEDIA_BYTES"),
		},
		Agents: AgentsConfig{
			OpenAIAPIKey: v.GetString("OPENAI_API_KEY"),
			OpenAIModel:  v.GetString("OPENAI_MODEL"),
			GeminiAPIKey: v.GetString("GEMINI_API_KEY"),
			GeminiModel:  v.GetString("GEMINI_MODEL"),
		},
		Shopify: ShopifyConfig{
			WebhookSecret: v.GetString("SHOPIFY_WEBHOOK_SECRET"),
		},
		Valkey: ValkeyConfig{
			Enabled:   v.GetBool("VALKEY_ENABLED"),
			Address:   v.GetString("VALKEY_ADDRESS"),
			Password:  v.GetString("VALKEY_PASSWORD"),
			DB:        v.GetInt("VALKEY_DB"),
			KeyPrefix: v.GetString("VALKEY_KEY_PREFIX"),
			ServerID:  v.GetString("SERVER_ID"),
		},
		Features: FeatureFlags{
			MultiTenant:        v.GetBool("ENABLE_MULTI_TENANT"),
			UsageTracking:      v.GetBool("ENABLE_USAGE_TRACKING"),
			ActionsCenter:      v.GetBool("ENABLE_ACTIONS_CENTER"),
			RouteByDestination: v.GetBool("ROUTE_BY_DESTINATION"),
		},
	}

	tenants, err := LoadTenantBindings(v)
	if err != nil {
		return nil, err
	}
	cfg.Tenants = tenants

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTenantBindings reads the numbered TENANT_N_* env blocks. Blocks must be
// contiguous starting at 1; the first missing index ends the scan.
func LoadTenantBindings(v *viper.Viper) ([]TenantBinding, error) {
	var out []TenantBinding
	for i := 1; i <= maxTenantBlocks; i++ {
		prefix := fmt.Sprintf("TENANT_%d_", i)
		sender := v.GetString(prefix + "SENDER_MSISDN")
		if sender == "" {
			break
		}
		b := TenantBinding{
			SenderMSISDN: sender,
			TenantID:     v.GetInt64(prefix + "TENANT_ID"),
			ChatbotID:    v.GetInt64(prefix + "CHATBOT_ID"),
			AgentID:      v.GetString(prefix + "AGENT_ID"),
			BSPBaseURL:   v.GetString(prefix + "BSP_BASE_URL"),
			BSPAPIKey:    v.GetString(prefix + "BSP_API_KEY"),
		}
		if b.TenantID == 0 || b.ChatbotID == 0 || b.AgentID == "" {
			return nil, fmt.Errorf("tenant block %d incomplete: TENANT_ID, CHATBOT_ID and AGENT_ID are required", i)
		}
		out = append(out, b)
	}
	return out, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Pipeline.MaxWorkers < 1 {
		return fmt.Errorf("MAX_WORKERS must be >= 1, got %d", c.Pipeline.MaxWorkers)
	}
	if c.Pipeline.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be >= 1, got %d", c.Pipeline.QueueCapacity)
	}
	if c.Pipeline.DebounceWindow < c.Pipeline.DebounceFloor {
		return fmt.Errorf("DEBOUNCE_SECONDS below the debounce floor")
	}
	if c.Pipeline.MaxCoalesceSpan < c.Pipeline.DebounceWindow {
		return fmt.Errorf("MAX_COALESCE_SPAN_SECONDS must be >= DEBOUNCE_SECONDS")
	}
	if c.Database.MaxOpenConns < c.Pipeline.MaxWorkers+c.Database.IngressReserve {
		return fmt.Errorf("DB_MAX_OPEN_CONNS (%d) must be >= MAX_WORKERS (%d) + DB_INGRESS_RESERVE (%d)",
			c.Database.MaxOpenConns, c.Pipeline.MaxWorkers, c.Database.IngressReserve)
	}
	if !c.Features.MultiTenant {
		return fmt.Errorf("ENABLE_MULTI_TENANT=false is not supported; the legacy single-tenant mode was removed")
	}
	if !c.Features.RouteByDestination {
		return fmt.Errorf("ROUTE_BY_DESTINATION=false is not supported; routing is destination-based")
	}
	seen := make(map[string]int, len(c.Tenants))
	for i, t := range c.Tenants {
		if prev, dup := seen[t.SenderMSISDN]; dup {
			return fmt.Errorf("tenant blocks %d and %d share sender %s", prev+1, i+1, t.SenderMSISDN)
		}
		seen[t.SenderMSISDN] = i
	}
	return nil
}

// DSN builds the gorm connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	switch c.Driver {
	case "sqlite":
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", c.Name)
	default:
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			c.Host, c.User, c.Password, c.Name, c.Port)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
