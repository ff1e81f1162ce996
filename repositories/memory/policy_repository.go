// Package memory provides in-process repositories for single-node deployments and tests.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/upb/prompt-firewall/internal/policy"
	"github.com/upb/prompt-firewall/models"
	"github.com/upb/prompt-firewall/repositories"
)

// policyState is an immutable snapshot; writers build a new one and swap it in
type policyState struct {
	current  map[uuid.UUID]*models.Policy
	byTenant map[string][]*models.Policy
	history  map[uuid.UUID][]*models.HistoryEntry
}

func (s *policyState) clone() *policyState {
	next := &policyState{
		current:  make(map[uuid.UUID]*models.Policy, len(s.current)+1),
		byTenant: make(map[string][]*models.Policy, len(s.byTenant)+1),
		history:  make(map[uuid.UUID][]*models.HistoryEntry, len(s.history)+1),
	}
	for k, v := range s.current {
		next.current[k] = v
	}
	for k, v := range s.byTenant {
		next.byTenant[k] = v
	}
	for k, v := range s.history {
		next.history[k] = v
	}
	return next
}

// rebuildTenant recomputes the ordered policy list of one tenant
func (s *policyState) rebuildTenant(tenantID string) {
	var list []*models.Policy
	for _, p := range s.current {
		if p.TenantID == tenantID {
			list = append(list, p)
		}
	}
	policy.SortPolicies(list)
	if len(list) == 0 {
		delete(s.byTenant, tenantID)
		return
	}
	s.byTenant[tenantID] = list
}

func (s *policyState) appendHistory(entry *models.HistoryEntry) {
	prev := s.history[entry.PolicyID]
	entries := make([]*models.HistoryEntry, len(prev), len(prev)+1)
	copy(entries, prev)
	s.history[entry.PolicyID] = append(entries, entry)
}

// PolicyRepository keeps policies in a copy-on-write snapshot. Reads load the
// snapshot atomically and never wait for writers.
type PolicyRepository struct {
	mu    sync.Mutex
	state atomic.Pointer[policyState]
}

// NewPolicyRepository creates an empty policy repository
func NewPolicyRepository() *PolicyRepository {
	r := &PolicyRepository{}
	r.state.Store(&policyState{
		current:  map[uuid.UUID]*models.Policy{},
		byTenant: map[string][]*models.Policy{},
		history:  map[uuid.UUID][]*models.HistoryEntry{},
	})
	return r
}

// ListByTenant returns copies of the tenant's current policies
func (r *PolicyRepository) ListByTenant(ctx context.Context, tenantID string) ([]*models.Policy, error) {
	list := r.state.Load().byTenant[tenantID]
	out := make([]*models.Policy, len(list))
	for i, p := range list {
		out[i] = p.Clone()
	}
	return out, nil
}

// GetByID returns a copy of the current version
func (r *PolicyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	p, ok := r.state.Load().current[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return p.Clone(), nil
}

// Create stores version 1 and its snapshot
func (r *PolicyRepository) Create(ctx context.Context, p *models.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state.Load()
	if _, exists := state.current[p.ID]; exists {
		return repositories.ErrVersionConflict
	}
	if _, exists := state.history[p.ID]; exists {
		return repositories.ErrVersionConflict
	}

	stored := p.Clone()
	next := state.clone()
	next.current[stored.ID] = stored
	next.appendHistory(stored.Snapshot())
	next.rebuildTenant(stored.TenantID)
	r.state.Store(next)
	return nil
}

// Update swaps in the new version when the stored one matches expectedVersion
func (r *PolicyRepository) Update(ctx context.Context, p *models.Policy, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state.Load()
	existing, ok := state.current[p.ID]
	if !ok {
		return repositories.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return repositories.ErrVersionConflict
	}

	stored := p.Clone()
	next := state.clone()
	next.current[stored.ID] = stored
	next.appendHistory(stored.Snapshot())
	next.rebuildTenant(stored.TenantID)
	r.state.Store(next)
	return nil
}

// Delete drops the current row and keeps the history
func (r *PolicyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.state.Load()
	existing, ok := state.current[id]
	if !ok {
		return repositories.ErrNotFound
	}

	next := state.clone()
	delete(next.current, id)
	next.rebuildTenant(existing.TenantID)
	r.state.Store(next)
	return nil
}

// History returns snapshots newest first
func (r *PolicyRepository) History(ctx context.Context, id uuid.UUID) ([]*models.HistoryEntry, error) {
	entries := r.state.Load().history[id]
	out := make([]*models.HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := *entries[i]
		out = append(out, &e)
	}
	return out, nil
}

// HistoryEntry returns the snapshot of one version
func (r *PolicyRepository) HistoryEntry(ctx context.Context, id uuid.UUID, version int) (*models.HistoryEntry, error) {
	for _, e := range r.state.Load().history[id] {
		if e.Version == version {
			c := *e
			return &c, nil
		}
	}
	return nil, repositories.ErrNotFound
}

// WithTx returns the repository itself; every write is already atomic
func (r *PolicyRepository) WithTx(tx repositories.Transaction) repositories.PolicyRepository {
	return r
}
