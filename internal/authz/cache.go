package authz

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CacheConfig mirrors spec §6's authorizer.{kind} options with the cache
// knobs this adapter adds on top (grounded on
// service/authz_sidecar/server/role_cache.go's TTL-cache shape).
type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
}

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

type cacheKey struct {
	serviceID string
	action    string
}

// CachedAuthorizer decorates an Authorizer with a short-TTL, size-bounded
// cache. A cache miss always calls through; a cache hit never does (spec
// §4.10 adapter contract).
type CachedAuthorizer struct {
	inner  Authorizer
	cfg    CacheConfig
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	hits    int64
	misses  int64
	evicted int64
}

// NewCachedAuthorizer wraps inner with a TTL cache. A MaxSize of zero disables
// eviction (other than TTL expiry).
func NewCachedAuthorizer(inner Authorizer, cfg CacheConfig, logger *slog.Logger) *CachedAuthorizer {
	return &CachedAuthorizer{
		inner:   inner,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[cacheKey]cacheEntry),
	}
}

func (c *CachedAuthorizer) CheckAccess(ctx context.Context, serviceID, action string) (bool, error) {
	key := cacheKey{serviceID: serviceID, action: action}

	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()

	if found && time.Now().Before(entry.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return entry.allowed, nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	allowed, err := c.inner.CheckAccess(ctx, serviceID, action)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.cfg.MaxSize > 0 && len(c.entries) >= c.cfg.MaxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{allowed: allowed, expiresAt: time.Now().Add(c.cfg.TTL)}
	c.mu.Unlock()

	return allowed, nil
}

// evictOldestLocked drops one expired-or-arbitrary entry to keep the cache
// bounded. Callers must hold c.mu.
func (c *CachedAuthorizer) evictOldestLocked() {
	now := time.Now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
			c.evicted++
			return
		}
	}
	for k := range c.entries {
		delete(c.entries, k)
		c.evicted++
		return
	}
}

// Stats returns cache hit/miss/eviction counters for observability.
func (c *CachedAuthorizer) Stats() (hits, misses, evicted int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, c.evicted
}
