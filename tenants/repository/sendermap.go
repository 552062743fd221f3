package repository

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/swiftreplies/wabroker/pkg/phone"
	"github.com/swiftreplies/wabroker/tenants/domain"
)

// SenderMap is the read-mostly sender_msisdn → binding table the router
// consults on every inbound event. Lookups are lock-free; Reload swaps the
// whole map atomically (SIGHUP path).
type SenderMap struct {
	current atomic.Pointer[map[string]domain.SenderBinding]
}

func NewSenderMap(bindings []domain.SenderBinding) *SenderMap {
	sm := &SenderMap{}
	sm.Reload(bindings)
	return sm
}

// Lookup resolves a normalized destination MSISDN.
func (sm *SenderMap) Lookup(destination string) (domain.SenderBinding, error) {
	m := sm.current.Load()
	if m == nil {
		return domain.SenderBinding{}, domain.ErrUnroutable
	}
	b, ok := (*m)[phone.Normalize(destination)]
	if !ok {
		return domain.SenderBinding{}, domain.ErrUnroutable
	}
	return b, nil
}

// Reload replaces the whole table. Bindings with colliding sender numbers
// keep the first occurrence.
func (sm *SenderMap) Reload(bindings []domain.SenderBinding) {
	next := make(map[string]domain.SenderBinding, len(bindings))
	for _, b := range bindings {
		key := phone.Normalize(b.SenderMSISDN)
		if key == "" {
			logrus.Warnf("[SENDER_MAP] Skipping binding with empty sender for tenant %d", b.TenantID)
			continue
		}
		if _, dup := next[key]; dup {
			logrus.Warnf("[SENDER_MAP] Duplicate sender %s, keeping first binding", key)
			continue
		}
		b.SenderMSISDN = key
		next[key] = b
	}
	sm.current.Store(&next)
	logrus.Infof("[SENDER_MAP] Loaded %d sender bindings", len(next))
}

// Size reports the number of loaded bindings.
func (sm *SenderMap) Size() int {
	m := sm.current.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// All returns a snapshot of the loaded bindings.
func (sm *SenderMap) All() []domain.SenderBinding {
	m := sm.current.Load()
	if m == nil {
		return nil
	}
	out := make([]domain.SenderBinding, 0, len(*m))
	for _, b := range *m {
		out = append(out, b)
	}
	return out
}
