package authz

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// PermissionCache stores resolved permission sets keyed by "tenant:user".
// Any implementation satisfying this contract is valid: the in-memory and
// ristretto caches below, or a distributed one (see stores.RedisPermissionCache).
// Correctness only requires bounded staleness: entries must not outlive
// their TTL, and Delete must remove the entry outright.
type PermissionCache interface {
	Get(ctx context.Context, key string) (*ResolvedPermissions, bool)
	Set(ctx context.Context, key string, value *ResolvedPermissions, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// PermissionCacheKey builds the canonical cache key for a user.
func PermissionCacheKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

// ============================================================================
// IN-MEMORY CACHE
// ============================================================================

type permissionCacheEntry struct {
	value     *ResolvedPermissions
	expiresAt time.Time
}

// MemoryPermissionCache is a map-backed cache with read-checked expiry:
// Get deletes and misses on entries past their TTL.
type MemoryPermissionCache struct {
	mu      sync.RWMutex
	entries map[string]*permissionCacheEntry
}

var _ PermissionCache = (*MemoryPermissionCache)(nil)

func NewMemoryPermissionCache() *MemoryPermissionCache {
	return &MemoryPermissionCache{entries: make(map[string]*permissionCacheEntry)}
}

func (c *MemoryPermissionCache) Get(_ context.Context, key string) (*ResolvedPermissions, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

func (c *MemoryPermissionCache) Set(_ context.Context, key string, value *ResolvedPermissions, ttl time.Duration) {
	entry := &permissionCacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

func (c *MemoryPermissionCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of entries, expired ones included.
func (c *MemoryPermissionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ============================================================================
// RISTRETTO CACHE
// ============================================================================

// RistrettoConfig tunes the ristretto-backed cache.
type RistrettoConfig struct {
	NumCounters int64 `json:"num_counters" yaml:"num_counters"`
	MaxCost     int64 `json:"max_cost" yaml:"max_cost"`
	BufferItems int64 `json:"buffer_items" yaml:"buffer_items"`
}

func (c RistrettoConfig) withDefaults() RistrettoConfig {
	if c.NumCounters <= 0 {
		c.NumCounters = 100_000
	}
	if c.MaxCost <= 0 {
		c.MaxCost = 10_000
	}
	if c.BufferItems <= 0 {
		c.BufferItems = 64
	}
	return c
}

// RistrettoPermissionCache wraps a ristretto cache. Ristretto enforces the
// TTL itself; admission may drop writes under pressure, which is acceptable
// here since a miss only costs a recomputation.
type RistrettoPermissionCache struct {
	cache *ristretto.Cache
}

var _ PermissionCache = (*RistrettoPermissionCache)(nil)

func NewRistrettoPermissionCache(cfg RistrettoConfig) (*RistrettoPermissionCache, error) {
	cfg = cfg.withDefaults()
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoPermissionCache{cache: cache}, nil
}

func (c *RistrettoPermissionCache) Get(_ context.Context, key string) (*ResolvedPermissions, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	rp, ok := v.(*ResolvedPermissions)
	return rp, ok
}

func (c *RistrettoPermissionCache) Set(_ context.Context, key string, value *ResolvedPermissions, ttl time.Duration) {
	c.cache.SetWithTTL(key, value, 1, ttl)
	c.cache.Wait()
}

func (c *RistrettoPermissionCache) Delete(_ context.Context, key string) {
	c.cache.Del(key)
}

// Close releases the cache's background goroutines.
func (c *RistrettoPermissionCache) Close() {
	c.cache.Close()
}
