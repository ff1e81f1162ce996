package policy

import (
	"container/list"
	"sync"
	"time"

	"github.com/upb/prompt-firewall/models"
)

type snapshot struct {
	tenantID string
	policies []*models.Policy
	loadedAt time.Time
	elem     *list.Element
}

func (s *snapshot) stale(ttl time.Duration) bool {
	return time.Since(s.loadedAt) > ttl
}

// tenantState tracks invalidations and in-flight loads for one tenant
type tenantState struct {
	generation uint64
	loading    int
}

// PolicyCache keeps the most recently evaluated tenants' policy snapshots,
// bounded by size (LRU) and age (TTL).
//
// Every tenant carries a generation that Invalidate bumps. A snapshot loaded
// under an older generation is never stored, so a slow reader cannot put a
// pre-write snapshot back after the write invalidated it. Generations come
// from one counter, so a tenant whose state was released never reuses one.
// A tenant's state is kept only while it has a snapshot or a load in flight.
type PolicyCache struct {
	mu        sync.Mutex
	snapshots map[string]*snapshot
	tenants   map[string]*tenantState
	epoch     uint64     // last generation handed out, across all tenants
	recency   *list.List // front is most recently used; values are tenant ids
	maxSize   int
	ttl       time.Duration
	hits      uint64
	misses    uint64
}

// CacheStats is a point-in-time view of the cache
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// NewPolicyCache creates a cache holding at most maxSize tenants for ttl each
func NewPolicyCache(maxSize int, ttl time.Duration) *PolicyCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &PolicyCache{
		snapshots: make(map[string]*snapshot),
		tenants:   make(map[string]*tenantState),
		recency:   list.New(),
		maxSize:   maxSize,
		ttl:       ttl,
	}
}

// GetPolicies returns the tenant's snapshot and the tenant's current
// generation. A miss registers a load: pass the generation back to
// SetPolicies, or call Abandon when the load fails.
func (c *PolicyCache) GetPolicies(tenantID string) ([]*models.Policy, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.snapshots[tenantID]
	if ok && !s.stale(c.ttl) {
		c.recency.MoveToFront(s.elem)
		c.hits++
		return s.policies, c.tenants[tenantID].generation, true
	}
	if ok {
		c.drop(tenantID)
	}
	c.misses++

	st := c.state(tenantID)
	st.loading++
	return nil, st.generation, false
}

// SetPolicies finishes a load. The snapshot is stored unless the tenant was
// invalidated after generation was read; it reports whether it was stored.
func (c *PolicyCache) SetPolicies(tenantID string, policies []*models.Policy, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.tenants[tenantID]
	if !ok {
		return false
	}
	if st.loading > 0 {
		st.loading--
	}
	if st.generation != generation {
		c.release(tenantID)
		return false
	}

	if s, ok := c.snapshots[tenantID]; ok {
		s.policies, s.loadedAt = policies, time.Now()
		c.recency.MoveToFront(s.elem)
		return true
	}

	if c.recency.Len() >= c.maxSize {
		if oldest := c.recency.Back(); oldest != nil {
			evicted := oldest.Value.(string)
			c.drop(evicted)
			c.release(evicted)
		}
	}
	c.snapshots[tenantID] = &snapshot{
		tenantID: tenantID,
		policies: policies,
		loadedAt: time.Now(),
		elem:     c.recency.PushFront(tenantID),
	}
	return true
}

// Abandon finishes a load that produced nothing to store
func (c *PolicyCache) Abandon(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.tenants[tenantID]; ok && st.loading > 0 {
		st.loading--
	}
	c.release(tenantID)
}

// Invalidate drops the tenant's snapshot and bumps its generation
func (c *PolicyCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.tenants[tenantID]
	if !ok {
		// nothing cached and nothing loading
		return
	}
	st.generation = c.nextGeneration()
	c.drop(tenantID)
	c.release(tenantID)
}

// Clear invalidates every cached tenant
func (c *PolicyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshots = make(map[string]*snapshot)
	c.recency.Init()
	for tenantID, st := range c.tenants {
		st.generation = c.nextGeneration()
		c.release(tenantID)
	}
}

// Stats returns cache statistics
func (c *PolicyCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.recency.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// CleanupExpired drops every stale snapshot and returns how many were dropped
func (c *PolicyCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for tenantID, s := range c.snapshots {
		if s.stale(c.ttl) {
			c.drop(tenantID)
			c.release(tenantID)
			dropped++
		}
	}
	return dropped
}

// StartCleanupWorker runs CleanupExpired every interval until stopCh closes
func (c *PolicyCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}

// state returns the tenant's state, creating it; c.mu must be held
func (c *PolicyCache) state(tenantID string) *tenantState {
	st, ok := c.tenants[tenantID]
	if !ok {
		st = &tenantState{generation: c.nextGeneration()}
		c.tenants[tenantID] = st
	}
	return st
}

func (c *PolicyCache) nextGeneration() uint64 {
	c.epoch++
	return c.epoch
}

// release forgets a tenant with no snapshot and no load in flight; c.mu must be held
func (c *PolicyCache) release(tenantID string) {
	st, ok := c.tenants[tenantID]
	if !ok || st.loading > 0 {
		return
	}
	if _, cached := c.snapshots[tenantID]; cached {
		return
	}
	delete(c.tenants, tenantID)
}

// tracked reports how many tenants hold state
func (c *PolicyCache) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tenants)
}

// drop removes a snapshot; c.mu must be held
func (c *PolicyCache) drop(tenantID string) {
	if s, ok := c.snapshots[tenantID]; ok {
		c.recency.Remove(s.elem)
		delete(c.snapshots, tenantID)
	}
}
