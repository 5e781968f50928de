package policy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how stale a cached decision may be when an
// invalidation broadcast is missed.
const DefaultCacheTTL = 300 * time.Second

// CachedDecision is the evaluated outcome for one cache key: the winning
// policy (if any) and the grant it produced.
type CachedDecision struct {
	Granted          bool
	PolicyID         string
	Reason           string
	ViolatedPolicyID string
}

// DecisionCache stores evaluated decisions. Implementations may be remote;
// errors must never block evaluation — callers fall back to the store.
type DecisionCache interface {
	Get(ctx context.Context, key string) (CachedDecision, bool, error)
	Set(ctx context.Context, key string, dec CachedDecision) error
	Clear(ctx context.Context) error
}

// CacheKey derives the cache key for a request. Roles are sorted so that
// permutations of the same role set share an entry.
func CacheKey(req AccessRequest) string {
	roles := append([]string(nil), req.UserRoles...)
	sort.Strings(roles)
	return strings.Join([]string{
		strings.Join(roles, ","),
		req.ResourceType,
		req.Action,
		req.Context.OrganizationID,
	}, "|")
}

type cacheEntry struct {
	dec CachedDecision
	// expiresAt carries Go's monotonic clock reading, so expiry is immune
	// to wall-clock jumps and process suspension.
	expiresAt time.Time
}

// TTLCache is an in-process DecisionCache with per-entry TTL.
type TTLCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewTTLCache creates a cache. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewTTLCache(ttl time.Duration) *TTLCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &TTLCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *TTLCache) Get(_ context.Context, key string) (CachedDecision, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return CachedDecision{}, false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// refreshed the entry meanwhile.
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return CachedDecision{}, false, nil
	}
	return entry.dec, true, nil
}

func (c *TTLCache) Set(_ context.Context, key string, dec CachedDecision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{dec: dec, expiresAt: c.now().Add(c.ttl)}
	return nil
}

// Clear drops every entry. Used on policy change broadcasts.
func (c *TTLCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	return nil
}

// Len reports the number of live entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// WatchInvalidations clears the cache whenever the bus announces a policy
// change, until ctx ends. Run it once per cache instance.
func WatchInvalidations(ctx context.Context, bus *Bus, cache DecisionCache) {
	events := bus.Subscribe(ctx)
	go func() {
		for range events {
			_ = cache.Clear(ctx)
		}
	}()
}
