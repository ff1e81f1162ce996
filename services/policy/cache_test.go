package policy

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/prompt-firewall/models"
)

func cachedPolicies(tenantID string) []*models.Policy {
	return []*models.Policy{{ID: uuid.New(), TenantID: tenantID}}
}

func TestPolicyCache_GetSetPolicies(t *testing.T) {
	cache := NewPolicyCache(10, 5*time.Minute)

	// Test cache miss
	policies, gen, ok := cache.GetPolicies("tenant-a")
	assert.False(t, ok)
	assert.Nil(t, policies)

	// Test cache set and hit
	testPolicies := cachedPolicies("tenant-a")
	assert.True(t, cache.SetPolicies("tenant-a", testPolicies, gen))

	policies, _, ok = cache.GetPolicies("tenant-a")
	require.True(t, ok)
	assert.Equal(t, testPolicies, policies)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestPolicyCache_EmptySnapshotIsCached(t *testing.T) {
	cache := NewPolicyCache(10, 5*time.Minute)

	_, gen, _ := cache.GetPolicies("tenant-a")
	cache.SetPolicies("tenant-a", []*models.Policy{}, gen)

	policies, _, ok := cache.GetPolicies("tenant-a")
	assert.True(t, ok)
	assert.Empty(t, policies)
}

func TestPolicyCache_StaleGenerationIsDropped(t *testing.T) {
	cache := NewPolicyCache(10, 5*time.Minute)

	// A reader observes the generation, then a writer invalidates before the
	// reader stores what it loaded.
	_, gen, _ := cache.GetPolicies("tenant-a")
	cache.Invalidate("tenant-a")

	assert.False(t, cache.SetPolicies("tenant-a", cachedPolicies("tenant-a"), gen))
	_, _, ok := cache.GetPolicies("tenant-a")
	assert.False(t, ok)
}

func TestPolicyCache_TenantStateIsReleased(t *testing.T) {
	cache := NewPolicyCache(2, 5*time.Minute)

	t.Run("invalidating unknown tenants keeps nothing", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			cache.Invalidate(fmt.Sprintf("tenant-%d", i))
		}
		assert.Equal(t, 0, cache.tracked())
	})

	t.Run("invalidated and evicted tenants are forgotten", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			tenant := fmt.Sprintf("tenant-%d", i)
			_, gen, _ := cache.GetPolicies(tenant)
			cache.SetPolicies(tenant, cachedPolicies(tenant), gen)
			if i%2 == 0 {
				cache.Invalidate(tenant)
			}
		}
		assert.LessOrEqual(t, cache.tracked(), 2)
		assert.Equal(t, cache.Stats().Size, cache.tracked())
	})

	t.Run("failed loads are forgotten", func(t *testing.T) {
		cache.Clear()
		_, _, ok := cache.GetPolicies("tenant-x")
		require.False(t, ok)
		assert.Equal(t, 1, cache.tracked())

		cache.Abandon("tenant-x")
		assert.Equal(t, 0, cache.tracked())
	})

	t.Run("an in-flight load survives invalidation", func(t *testing.T) {
		_, gen, _ := cache.GetPolicies("tenant-y")
		cache.Invalidate("tenant-y")
		assert.Equal(t, 1, cache.tracked())

		assert.False(t, cache.SetPolicies("tenant-y", cachedPolicies("tenant-y"), gen))
		assert.Equal(t, 0, cache.tracked())
	})
}

func TestPolicyCache_TTLExpiration(t *testing.T) {
	cache := NewPolicyCache(10, 100*time.Millisecond)

	_, gen, _ := cache.GetPolicies("tenant-a")
	cache.SetPolicies("tenant-a", cachedPolicies("tenant-a"), gen)

	_, _, ok := cache.GetPolicies("tenant-a")
	assert.True(t, ok)

	time.Sleep(150 * time.Millisecond)

	_, _, ok = cache.GetPolicies("tenant-a")
	assert.False(t, ok)
}

func TestPolicyCache_LRUEviction(t *testing.T) {
	cache := NewPolicyCache(2, 5*time.Minute)

	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		_, gen, _ := cache.GetPolicies(tenant)
		cache.SetPolicies(tenant, cachedPolicies(tenant), gen)
	}

	// Touch tenant-a so tenant-b becomes least recently used
	_, _, ok := cache.GetPolicies("tenant-a")
	require.True(t, ok)

	_, gen, _ := cache.GetPolicies("tenant-c")
	cache.SetPolicies("tenant-c", cachedPolicies("tenant-c"), gen)

	_, _, ok = cache.GetPolicies("tenant-b")
	assert.False(t, ok, "tenant-b should be evicted")
	_, _, ok = cache.GetPolicies("tenant-a")
	assert.True(t, ok)
	_, _, ok = cache.GetPolicies("tenant-c")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Stats().Size)
}

func TestPolicyCache_Clear(t *testing.T) {
	cache := NewPolicyCache(10, 5*time.Minute)
	_, gen, _ := cache.GetPolicies("tenant-a")
	cache.SetPolicies("tenant-a", cachedPolicies("tenant-a"), gen)

	cache.Clear()

	assert.Equal(t, 0, cache.Stats().Size)
	assert.False(t, cache.SetPolicies("tenant-a", cachedPolicies("tenant-a"), gen))
}

func TestPolicyCache_CleanupExpired(t *testing.T) {
	cache := NewPolicyCache(10, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		tenant := fmt.Sprintf("tenant-%d", i)
		_, gen, _ := cache.GetPolicies(tenant)
		cache.SetPolicies(tenant, cachedPolicies(tenant), gen)
	}

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 3, cache.CleanupExpired())
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestPolicyCache_StartCleanupWorker(t *testing.T) {
	cache := NewPolicyCache(10, 20*time.Millisecond)
	_, gen, _ := cache.GetPolicies("tenant-a")
	cache.SetPolicies("tenant-a", cachedPolicies("tenant-a"), gen)

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		cache.StartCleanupWorker(10*time.Millisecond, stopCh)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return cache.Stats().Size == 0
	}, time.Second, 10*time.Millisecond)

	close(stopCh)
	<-done
}

func TestPolicyCache_Concurrency(t *testing.T) {
	cache := NewPolicyCache(100, 5*time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			tenant := fmt.Sprintf("tenant-%d", id%3)
			for j := 0; j < 100; j++ {
				_, gen, ok := cache.GetPolicies(tenant)
				if !ok {
					cache.SetPolicies(tenant, cachedPolicies(tenant), gen)
				}
				if j%10 == 0 {
					cache.Invalidate(tenant)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Stats().Size, 3)
}
