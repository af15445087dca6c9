package captcha

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shortcut is the cached outcome of a prior successful detection/solve for a
// host: which strategy worked and the selector it used, so later visits can
// skip straight to it before falling back to full detection (spec §9,
// "Global mutable CAPTCHA cache").
type Shortcut struct {
	Strategy string `json:"strategy"`
	Selector string `json:"selector"`
}

type cacheEntry struct {
	shortcut  Shortcut
	expiresAt time.Time
}

// Cache is the process-wide host-keyed selector-shortcut cache from spec §9:
// a mutex-guarded map with time-based eviction, allocated up front by
// NewCache rather than on first access. When a Redis client is supplied it mirrors entries there so the
// shortcut survives process restarts and is shared across instances;
// otherwise it runs purely in-process.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	redis   *redis.Client
}

// NewCache builds an empty cache with the given eviction TTL. redisClient may
// be nil, in which case the cache is purely in-process.
func NewCache(ttl time.Duration, redisClient *redis.Client) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		redis:   redisClient,
	}
}

// Get returns the cached shortcut for host, if any and not expired. Falls
// back to Redis on a local miss when a client is configured.
func (c *Cache) Get(ctx context.Context, host string) (Shortcut, bool) {
	c.mu.Lock()
	entry, ok := c.entries[host]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.shortcut, true
	}

	if c.redis == nil {
		return Shortcut{}, false
	}
	raw, err := c.redis.Get(ctx, cacheKey(host)).Result()
	if err != nil {
		return Shortcut{}, false
	}
	var s Shortcut
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Shortcut{}, false
	}
	c.mu.Lock()
	c.entries[host] = cacheEntry{shortcut: s, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return s, true
}

// Set stores a shortcut for host, evicted after the cache's TTL.
func (c *Cache) Set(ctx context.Context, host string, s Shortcut) {
	c.mu.Lock()
	c.entries[host] = cacheEntry{shortcut: s, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	if raw, err := json.Marshal(s); err == nil {
		_ = c.redis.Set(ctx, cacheKey(host), raw, c.ttl).Err()
	}
}

func cacheKey(host string) string { return "captcha:shortcut:" + host }
