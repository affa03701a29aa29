package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	workspace  *WorkspaceContext
	expiresAt  time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Workspace    *WorkspaceContext
	Hit          bool
	NeedsRefresh bool
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// Get performs a non-blocking cache lookup. Expired entries are still
// returned as hits; the first caller to see one is told to refresh it.
func (c *AuthCache) Get(apiKey string) AuthCacheGetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return AuthCacheGetResult{Hit: false}
	}

	entry := val.(*cacheEntry)
	now := time.Now()

	if now.Before(entry.expiresAt) {
		return AuthCacheGetResult{
			Workspace: entry.workspace,
			Hit:       true,
		}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return AuthCacheGetResult{
		Workspace:    entry.workspace,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a workspace context with a fresh TTL.
func (c *AuthCache) Set(apiKey string, workspace *WorkspaceContext) {
	c.store.Store(apiKey, &cacheEntry{
		workspace: workspace,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// ReleaseRefresh clears the refresh claim after a failed backend refresh so
// the next stale read can claim it again. Without this the entry would stay
// pinned stale until a successful Set.
func (c *AuthCache) ReleaseRefresh(apiKey string) {
	if val, ok := c.store.Load(apiKey); ok {
		val.(*cacheEntry).refreshing.Store(false)
	}
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
