// Package rediskv holds the Redis-backed implementations: a death queue
// store and a JSON value cache.
package rediskv

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Open connects to the redis at url and checks that it answers.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := Status(ctx, rdb); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Status returns nil if redis answers PING.
func Status(ctx context.Context, rdb *redis.Client) error {
	return rdb.Ping(ctx).Err()
}
