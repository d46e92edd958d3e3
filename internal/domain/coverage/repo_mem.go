package coverage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hmis/billing/internal/platform/db"
)

// MemoryRepository keeps profiles in process, one map per tenant. Used by the
// memory store mode and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	tenants map[string]map[uuid.UUID]Profile
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tenants: make(map[string]map[uuid.UUID]Profile)}
}

// profiles returns the tenant's map, creating it when create is set. Callers
// hold m.mu.
func (m *MemoryRepository) profiles(ctx context.Context, create bool) map[uuid.UUID]Profile {
	id := db.TenantFromContext(ctx)
	p, ok := m.tenants[id]
	if !ok && create {
		p = make(map[uuid.UUID]Profile)
		m.tenants[id] = p
	}
	return p
}

func (m *MemoryRepository) Upsert(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	profiles := m.profiles(ctx, true)
	now := time.Now().UTC()
	if prev, ok := profiles[p.PatientID]; ok {
		p.CreatedAt = prev.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	profiles[p.PatientID] = *p
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, patientID uuid.UUID) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles(ctx, false)[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) Delete(ctx context.Context, patientID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	profiles := m.profiles(ctx, false)
	if _, ok := profiles[patientID]; !ok {
		return ErrNotFound
	}
	delete(profiles, patientID)
	return nil
}

func (m *MemoryRepository) List(ctx context.Context, limit, offset int) ([]*Profile, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profiles := m.profiles(ctx, false)
	all := make([]*Profile, 0, len(profiles))
	for _, p := range profiles {
		p := p
		all = append(all, &p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

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
