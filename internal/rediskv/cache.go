package rediskv

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache stores JSON-encoded values under plain redis keys.
type Cache struct {
	rdb    *redis.Client
	prefix string
}

// NewCache returns a Cache whose keys are prefixed with prefix.
func NewCache(rdb *redis.Client, prefix string) *Cache {
	return &Cache{rdb: rdb, prefix: prefix}
}

// Set stores value under key. A ttl of zero keeps the entry forever.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+key, b, ttl).Err()
}

// Get decodes the entry for key into value, which must be a pointer. It
// reports false when the key is missing or cannot be decoded.
func (c *Cache) Get(ctx context.Context, key string, value any) bool {
	b, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(b, value) == nil
}

func (c *Cache) Exists(ctx context.Context, key string) bool {
	n, err := c.rdb.Exists(ctx, c.prefix+key).Result()
	return err == nil && n > 0
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.prefix+key).Err()
}
