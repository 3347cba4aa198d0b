package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "stockcast:forecast:"

// RedisStore persists cache entries in Redis: one JSON string per entry and a
// sorted set, scored by an insertion counter, that preserves FIFO order.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Name returns "redis".
func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) entryKey(k string) string { return s.prefix + "entry:" + k }
func (s *RedisStore) indexKey() string         { return s.prefix + "index" }
func (s *RedisStore) seqKey() string           { return s.prefix + "seq" }

// Save writes entry and moves it to the newest position.
func (s *RedisStore) Save(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("json encode %s: %w", entry.Key, err)
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return err
	}

	k := entry.Key.String()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(k), payload, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(seq), Member: k})
		return nil
	})
	return err
}

// Delete removes the given keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	entryKeys := make([]string, len(keys))
	members := make([]any, len(keys))
	for i, k := range keys {
		entryKeys[i] = s.entryKey(k.String())
		members[i] = k.String()
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKeys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	return err
}

// Clear removes every entry written under the prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, s.entryKey(m))
	}
	keys = append(keys, s.indexKey())
	return s.client.Del(ctx, keys...).Err()
}

// LoadAll returns every entry, oldest inserted first. Index members whose
// payload is missing or unreadable are skipped.
func (s *RedisStore) LoadAll(ctx context.Context) ([]Entry, error) {
	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.entryKey(m)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Ensure RedisStore implements Persister
var _ Persister = (*RedisStore)(nil)
