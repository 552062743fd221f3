package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.App.Port)
	assert.Equal(t, 3*time.Second, cfg.Pipeline.DebounceWindow)
	assert.Equal(t, 10*time.Millisecond, cfg.Pipeline.DebounceFloor)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.MaxCoalesceSpan)
	assert.Equal(t, 5, cfg.Pipeline.MaxWorkers)
	assert.Equal(t, 1024, cfg.Pipeline.QueueCapacity)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.AgentDeadline)
	assert.Equal(t, 30*time.Second, cfg.Transport.RequestTimeout)
	assert.Equal(t, 3, cfg.Transport.MaxRetries)
	assert.True(t, cfg.Features.RouteByDestination)
}

func TestLoadTenantBindings(t *testing.T) {
	t.Setenv("TENANT_1_SENDER_MSISDN", "96179374241")
	t.Setenv("TENANT_1_TENANT_ID", "1")
	t.Setenv("TENANT_1_CHATBOT_ID", "10")
	t.Setenv("TENANT_1_AGENT_ID", "ecla")
	t.Setenv("TENANT_2_SENDER_MSISDN", "9613451652")
	t.Setenv("TENANT_2_TENANT_ID", "2")
	t.Setenv("TENANT_2_CHATBOT_ID", "20")
	t.Setenv("TENANT_2_AGENT_ID", "astro")

	v := viper.New()
	v.AutomaticEnv()
	bindings, err := LoadTenantBindings(v)
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, int64(1), bindings[0].TenantID)
	assert.Equal(t, "astro", bindings[1].AgentID)
}

func TestLoadTenantBindingsIncompleteBlock(t *testing.T) {
	t.Setenv("TENANT_1_SENDER_MSISDN", "96179374241")
	t.Setenv("TENANT_1_TENANT_ID", "1")

	v := viper.New()
	v.AutomaticEnv()
	_, err := LoadTenantBindings(v)
	assert.Error(t, err)
}

func TestValidateRejectsUndersizedPool(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.Database.MaxOpenConns = 3
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateSenders(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.Tenants = []TenantBinding{
		{SenderMSISDN: "96179374241", TenantID: 1, ChatbotID: 1, AgentID: "a"},
		{SenderMSISDN: "96179374241", TenantID: 2, ChatbotID: 2, AgentID: "b"},
	}
	assert.Error(t, cfg.Validate())
}
