package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// ActionCache is a TTL-based in-memory cache with stale-while-revalidate for
// single-action lookups. Uses sync.Map for lock-free reads on the hot path.
type ActionCache struct {
	store sync.Map // map[string]*actionCacheEntry
	ttl   time.Duration
}

type actionCacheEntry struct {
	action     *ActionDefinition // nil = negative cache (action not found)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Action       *ActionDefinition // nil if not found or negative cache
	Hit          bool              // true if a value was found (fresh or stale)
	NeedsRefresh bool              // true if expired; caller should refresh in background
}

// NewActionCache creates a cache with the given TTL.
func NewActionCache(ttl time.Duration) *ActionCache {
	return &ActionCache{ttl: ttl}
}

func cacheKey(workspaceID, name string) string {
	return workspaceID + ":" + name
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *ActionCache) Get(workspaceID, name string) CacheGetResult {
	val, ok := c.store.Load(cacheKey(workspaceID, name))
	if !ok {
		return CacheGetResult{Hit: false}
	}

	entry := val.(*actionCacheEntry)
	now := time.Now()

	if now.Before(entry.expiresAt) {
		return CacheGetResult{
			Action: entry.action,
			Hit:    true,
		}
	}

	// Stale hit: only one goroutine wins the CAS and refreshes.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Action:       entry.action,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores an action definition with a fresh TTL.
// Passing nil stores a negative cache entry (action not found).
func (c *ActionCache) Set(workspaceID, name string, action *ActionDefinition) {
	c.store.Store(cacheKey(workspaceID, name), &actionCacheEntry{
		action:    action,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// ReleaseRefresh clears the refresh claim after a failed backend refresh so
// the next stale read can claim it again. Without this the entry would stay
// pinned stale until a successful Set.
func (c *ActionCache) ReleaseRefresh(workspaceID, name string) {
	if val, ok := c.store.Load(cacheKey(workspaceID, name)); ok {
		val.(*actionCacheEntry).refreshing.Store(false)
	}
}

// Delete removes an entry from the cache.
func (c *ActionCache) Delete(workspaceID, name string) {
	c.store.Delete(cacheKey(workspaceID, name))
}

// ListCache caches a workspace's full action list with the same
// stale-while-revalidate behavior as ActionCache.
type ListCache struct {
	store sync.Map // map[string]*listCacheEntry
	ttl   time.Duration
}

type listCacheEntry struct {
	actions    []*ActionDefinition
	expiresAt  time.Time
	refreshing atomic.Bool
}

// ListCacheGetResult holds the result of a list cache lookup.
type ListCacheGetResult struct {
	Actions      []*ActionDefinition
	Hit          bool
	NeedsRefresh bool
}

// NewListCache creates a list cache with the given TTL.
func NewListCache(ttl time.Duration) *ListCache {
	return &ListCache{ttl: ttl}
}

// Get performs a non-blocking cache lookup for a workspace's action list.
func (c *ListCache) Get(workspaceID string) ListCacheGetResult {
	val, ok := c.store.Load(workspaceID)
	if !ok {
		return ListCacheGetResult{Hit: false}
	}

	entry := val.(*listCacheEntry)
	now := time.Now()

	if now.Before(entry.expiresAt) {
		return ListCacheGetResult{
			Actions: entry.actions,
			Hit:     true,
		}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return ListCacheGetResult{
		Actions:      entry.actions,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a workspace's action list with a fresh TTL.
func (c *ListCache) Set(workspaceID string, actions []*ActionDefinition) {
	c.store.Store(workspaceID, &listCacheEntry{
		actions:   actions,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// ReleaseRefresh clears the refresh claim after a failed backend refresh.
func (c *ListCache) ReleaseRefresh(workspaceID string) {
	if val, ok := c.store.Load(workspaceID); ok {
		val.(*listCacheEntry).refreshing.Store(false)
	}
}
