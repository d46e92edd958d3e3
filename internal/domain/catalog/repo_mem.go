package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hmis/billing/internal/platform/db"
)

// MemoryRepository keeps one price list per tenant in process.
type MemoryRepository struct {
	mu      sync.RWMutex
	tenants map[string]map[string]Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tenants: make(map[string]map[string]Entry)}
}

// entries returns the tenant's price list, creating it when create is set.
// Callers hold m.mu.
func (m *MemoryRepository) entries(ctx context.Context, create bool) map[string]Entry {
	id := db.TenantFromContext(ctx)
	e, ok := m.tenants[id]
	if !ok && create {
		e = make(map[string]Entry)
		m.tenants[id] = e
	}
	return e
}

func (m *MemoryRepository) Upsert(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries(ctx, true)
	now := time.Now().UTC()
	if prev, ok := entries[e.Code]; ok {
		e.CreatedAt = prev.CreatedAt
	} else {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	entries[e.Code] = *e
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, code string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries(ctx, false)[code]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryRepository) SetActive(ctx context.Context, code string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries(ctx, false)
	e, ok := entries[code]
	if !ok {
		return ErrNotFound
	}
	e.Active = active
	e.UpdatedAt = time.Now().UTC()
	entries[code] = e
	return nil
}

func (m *MemoryRepository) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Entry
	for _, e := range m.entries(ctx, false) {
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.ActiveOnly && !e.Active {
			continue
		}
		e := e
		all = append(all, &e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}
