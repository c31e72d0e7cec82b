// Package cache provides a small read-through cache for hot lookups on the
// dispatch path (agent profiles, work item listings). Redis-backed when
// REDIS_URL is set; otherwise an in-memory map with TTL eviction, so a single
// instance never needs Redis running.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"conductor/internal/logging"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a JSON key/value cache with an in-memory fallback
type Cache struct {
	client *redis.Client // nil when Redis is unavailable

	mu  sync.RWMutex
	mem map[string]memEntry
}

// New connects to Redis when a URL is given; connection failures degrade to
// the in-memory cache rather than failing startup.
func New(redisURL string) *Cache {
	c := &Cache{mem: make(map[string]memEntry)}
	if redisURL == "" {
		go c.cleanupLoop()
		return c
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logging.S().Warnw("invalid REDIS_URL, using in-memory cache", "error", err)
		go c.cleanupLoop()
		return c
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.S().Warnw("redis unreachable, using in-memory cache", "error", err)
		_ = client.Close()
		go c.cleanupLoop()
		return c
	}

	c.client = client
	return c
}

// Get unmarshals a cached value into out, reporting whether the key was found
func (c *Cache) Get(ctx context.Context, key string, out any) bool {
	if c == nil {
		return false
	}
	if c.client != nil {
		raw, err := c.client.Get(ctx, key).Result()
		if err != nil {
			return false
		}
		return json.Unmarshal([]byte(raw), out) == nil
	}

	c.mu.RLock()
	entry, ok := c.mem[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return false
	}
	return json.Unmarshal(entry.value, out) == nil
}

// Set stores a value as JSON with the given TTL. Failures are logged and
// swallowed; the cache is never load-bearing.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if c.client != nil {
		if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
			logging.S().Debugw("cache set failed", "key", key, "error", err)
		}
		return
	}

	c.mu.Lock()
	c.mem[key] = memEntry{value: raw, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes keys, for invalidation after writes
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if c.client != nil {
		_ = c.client.Del(ctx, keys...).Err()
		return
	}
	c.mu.Lock()
	for _, k := range keys {
		delete(c.mem, k)
	}
	c.mu.Unlock()
}

// Close releases the Redis connection when one exists
func (c *Cache) Close() error {
	if c != nil && c.client != nil {
		return c.client.Close()
	}
	return nil
}

// cleanupLoop prunes expired in-memory entries. Redis expires keys itself,
// so the Redis path never starts this.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for k, entry := range c.mem {
			if now.After(entry.expiresAt) {
				delete(c.mem, k)
			}
		}
		c.mu.Unlock()
	}
}
