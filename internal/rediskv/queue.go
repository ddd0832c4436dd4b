package rediskv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/basket/gatekeeper/internal/deathqueue"
)

const defaultQueueKey = "gatekeeper:death_queue"

// QueueStore keeps pending join requests in one redis hash, one field per
// (user, chat) pair.
type QueueStore struct {
	rdb *redis.Client
	key string
}

func NewQueueStore(rdb *redis.Client, key string) *QueueStore {
	if key == "" {
		key = defaultQueueKey
	}
	return &QueueStore{rdb: rdb, key: key}
}

func field(k deathqueue.Key) string {
	return strconv.FormatInt(k.UserID, 10) + ":" + strconv.FormatInt(k.ChatID, 10)
}

func (s *QueueStore) LoadAll(ctx context.Context) ([]deathqueue.JoinRequest, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}
	out := make([]deathqueue.JoinRequest, 0, len(raw))
	for f, v := range raw {
		var r deathqueue.JoinRequest
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode %s[%s]: %w", s.key, f, err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinTime < out[j].JoinTime })
	return out, nil
}

func (s *QueueStore) Put(ctx context.Context, r deathqueue.JoinRequest) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode join request: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key, field(r.Key()), b).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", s.key, err)
	}
	return nil
}

func (s *QueueStore) Delete(ctx context.Context, k deathqueue.Key) error {
	if err := s.rdb.HDel(ctx, s.key, field(k)).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", s.key, err)
	}
	return nil
}
