package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/repositories"
)

// TenantRepository keeps tenants in a map
type TenantRepository struct {
	mu      sync.RWMutex
	tenants map[string]*models.Tenant
}

// NewTenantRepository creates an empty tenant repository
func NewTenantRepository() *TenantRepository {
	return &TenantRepository{tenants: make(map[string]*models.Tenant)}
}

// List returns all tenants ordered by id
func (r *TenantRepository) List(ctx context.Context) ([]*models.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetByID retrieves a tenant
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	c := *t
	return &c, nil
}

// Upsert creates or replaces a tenant, keeping the original creation time
func (r *TenantRepository) Upsert(ctx context.Context, tenant *models.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *tenant
	if existing, ok := r.tenants[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.tenants[c.ID] = &c
	return nil
}
