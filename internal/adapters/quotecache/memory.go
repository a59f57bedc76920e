package quotecache

import (
	"context"
	"sync"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Memory es una caché de cotizaciones en proceso con TTL.
// Se usa cuando no hay Redis configurado.
type Memory struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	quote   domain.Quote
	expires time.Time
}

// NewMemory crea la caché. clock puede ser nil.
func NewMemory(ttl time.Duration, clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{ttl: ttl, clock: clock, entries: make(map[string]memEntry)}
}

// Get devuelve la cotización si no expiró.
func (m *Memory) Get(_ context.Context, symbol string) (domain.Quote, bool) {
	m.mu.RLock()
	e, ok := m.entries[domain.NormalizeSymbol(symbol)]
	m.mu.RUnlock()
	if !ok || !m.clock.Now().Before(e.expires) {
		return domain.Quote{}, false
	}
	return e.quote, true
}

// Set guarda la cotización y purga las expiradas.
func (m *Memory) Set(_ context.Context, q domain.Quote) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
	m.entries[domain.NormalizeSymbol(q.Symbol)] = memEntry{quote: q, expires: now.Add(m.ttl)}
	return nil
}
