package agents

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry maps agent_id → Agent. Built once at startup from config; the
// mutex only guards late registration in tests.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.agents[a.ID()]; dup {
		return fmt.Errorf("agent %q already registered", a.ID())
	}
	r.agents[a.ID()] = a
	logrus.Infof("[AGENTS] Registered agent %q", a.ID())
	return nil
}

func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("no agent registered for id %q", id)
	}
	return a, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}
