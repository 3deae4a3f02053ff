package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"podforge/internal/config"
)

// Cache is an optional Redis-backed snapshot cache that sheds job store
// reads when many watchers follow the same job. A nil *Cache is valid and
// disables caching; every method is nil-safe.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache connects to Redis when an address is configured, otherwise
// returns nil.
func NewCache(cfg config.Redis) *Cache {
	if cfg.Addr == "" {
		return nil
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl: ttl,
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Ping verifies connectivity at startup.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func cacheKey(tenantID, jobID string) string {
	return "podforge:progress:" + tenantID + ":" + jobID
}

// Get returns the cached event for a job, or ok=false on miss or error.
// Cache failures never surface; the notifier falls through to the store.
func (c *Cache) Get(ctx context.Context, tenantID, jobID string) (Event, bool) {
	if c == nil {
		return Event{}, false
	}
	raw, err := c.client.Get(ctx, cacheKey(tenantID, jobID)).Bytes()
	if err != nil {
		return Event{}, false
	}
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, false
	}
	return event, true
}

// Put stores the latest event for a job with the configured TTL.
func (c *Cache) Put(ctx context.Context, tenantID string, event Event) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.client.Set(ctx, cacheKey(tenantID, event.JobID), raw, c.ttl)
}
