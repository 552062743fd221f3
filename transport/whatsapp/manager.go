package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/swiftreplies/wabroker/core/config"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// Manager owns one Client per sender MSISDN. Clients are built eagerly from
// the configured bindings so credential problems surface at startup, not on
// the first customer message.
type Manager struct {
	cfg config.TransportConfig

	mu      sync.RWMutex
	clients map[string]*Client

	// reachable holds the outcome of the most recent PingAll.
	reachable atomic.Bool
}

func NewManager(cfg config.TransportConfig, bindings []tenants.SenderBinding) *Manager {
	m := &Manager{
		cfg:     cfg,
		clients: make(map[string]*Client, len(bindings)),
	}
	for _, b := range bindings {
		m.clients[b.SenderMSISDN] = NewClient(cfg, b)
	}
	return m
}

// Get returns the client for a binding, creating one on demand for bindings
// added after startup (sender map reload).
func (m *Manager) Get(binding tenants.SenderBinding) *Client {
	m.mu.RLock()
	c, ok := m.clients[binding.SenderMSISDN]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.clients[binding.SenderMSISDN]; ok {
		return c
	}
	c = NewClient(m.cfg, binding)
	m.clients[binding.SenderMSISDN] = c
	logrus.Infof("[TRANSPORT] Built client for sender %s", binding.SenderMSISDN)
	return c
}

// PingAll verifies BSP reachability for every configured sender and records
// the outcome for Reachable. Any failure at startup is fatal.
func (m *Manager) PingAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sender, c := range m.clients {
		if err := c.Ping(ctx); err != nil {
			m.reachable.Store(false)
			return fmt.Errorf("transport check failed for sender %s: %w", sender, err)
		}
		logrus.Infof("[TRANSPORT] Sender %s reachable", sender)
	}
	m.reachable.Store(true)
	return nil
}

// Reachable reports whether the last PingAll succeeded for every sender.
func (m *Manager) Reachable() bool {
	return m.reachable.Load()
}

// Size reports how many sender clients exist.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
