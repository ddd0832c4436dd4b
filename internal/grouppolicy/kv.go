package grouppolicy

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// KV is a durable string key/value table such as the SQLite kv_store.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
	KVDelete(ctx context.Context, key string) error
}

var errKVExpiry = errors.New("grouppolicy: kv cache does not support expiry")

type kvCache struct {
	kv KV
}

// NewKVCache returns a Cache that stores JSON values in kv. Entries never
// expire, so Set rejects a non-zero ttl.
func NewKVCache(kv KV) Cache {
	return &kvCache{kv: kv}
}

func (c *kvCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl != 0 {
		return errKVExpiry
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.kv.KVSet(ctx, key, string(b))
}

func (c *kvCache) Get(ctx context.Context, key string, value any) bool {
	v, err := c.kv.KVGet(ctx, key)
	if err != nil || v == "" {
		return false
	}
	return json.Unmarshal([]byte(v), value) == nil
}

func (c *kvCache) Exists(ctx context.Context, key string) bool {
	v, err := c.kv.KVGet(ctx, key)
	return err == nil && v != ""
}

func (c *kvCache) Delete(ctx context.Context, key string) error {
	return c.kv.KVDelete(ctx, key)
}

type readThrough struct {
	front Cache
	back  Cache
}

// NewReadThrough serves reads from front and falls back to back, copying
// hits into front. Writes go to back first.
func NewReadThrough(front, back Cache) Cache {
	return &readThrough{front: front, back: back}
}

func (r *readThrough) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := r.back.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return r.front.Set(ctx, key, value, ttl)
}

func (r *readThrough) Get(ctx context.Context, key string, value any) bool {
	if r.front.Get(ctx, key, value) {
		return true
	}
	if !r.back.Get(ctx, key, value) {
		return false
	}
	_ = r.front.Set(ctx, key, value, 0)
	return true
}

func (r *readThrough) Exists(ctx context.Context, key string) bool {
	return r.front.Exists(ctx, key) || r.back.Exists(ctx, key)
}

func (r *readThrough) Delete(ctx context.Context, key string) error {
	if err := r.back.Delete(ctx, key); err != nil {
		return err
	}
	return r.front.Delete(ctx, key)
}
