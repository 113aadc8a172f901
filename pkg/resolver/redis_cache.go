package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is an optional distributed resolution cache for multi-process
// Forge deployments, grounded on the teacher's kernel.RedisLimiterStore
// (same client shape, same "fail open to local state" philosophy).
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a cache backed by the given Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) key(k string) string {
	return fmt.Sprintf("forge:resolution:%s", k)
}

// Get returns a cached Resolution, if present and unexpired in Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (*Resolution, bool) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var res Resolution
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false
	}
	return &res, true
}

// Set stores a Resolution in Redis with the cache's TTL.
func (c *RedisCache) Set(ctx context.Context, key string, res *Resolution) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), raw, c.ttl).Err()
}

// InvalidateAll drops every cached resolution by scanning and deleting
// forge:resolution:* keys. Called whenever the registry reports a
// status_changed event.
func (c *RedisCache) InvalidateAll(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "forge:resolution:*", 0).Iterator()
	var keysToDelete []string
	for iter.Next(ctx) {
		keysToDelete = append(keysToDelete, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keysToDelete) == 0 {
		return nil
	}
	return c.client.Del(ctx, keysToDelete...).Err()
}
