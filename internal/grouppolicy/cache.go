package grouppolicy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cache is the key/value backend rules are kept in. Values are passed by
// pointer to Get and decoded in place.
type Cache interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string, value any) bool
	Exists(ctx context.Context, key string) bool
	Delete(ctx context.Context, key string) error
}

const (
	memoryDefTTL        = 60 * time.Minute
	memoryCleanUPPeriod = 1 * time.Minute
)

type memory struct {
	c *cache.Cache
}

// NewMemoryCache returns a process-local Cache. Entries stored with a ttl of
// zero never expire.
func NewMemoryCache() Cache {
	return &memory{c: cache.New(memoryDefTTL, memoryCleanUPPeriod)}
}

func (m *memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = cache.NoExpiration
	}
	m.c.Set(key, b, ttl)
	return nil
}

func (m *memory) Get(_ context.Context, key string, value any) bool {
	v, ok := m.c.Get(key)
	if !ok {
		return false
	}
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	return json.Unmarshal(b, value) == nil
}

func (m *memory) Exists(_ context.Context, key string) bool {
	_, found := m.c.Get(key)
	return found
}

func (m *memory) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}
