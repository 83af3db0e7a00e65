package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash that holds session settings when no key is
// configured.
const DefaultRedisKey = "pipcast:conf"

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// RedisStore implements Store on a single Redis hash, one field per
// setting. Coordinators sharing the hash share their session settings.
// The caller owns the Redis client lifecycle.
type RedisStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisStore returns a store backed by the hash at key. An empty key
// selects DefaultRedisKey.
func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// Ping verifies the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis hget %s %s: %w", r.key, key, err)
	}
	return v, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s %s: %w", r.key, key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.HDel(ctx, r.key, key).Err(); err != nil {
		return fmt.Errorf("redis hdel %s %s: %w", r.key, key, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys %s: %w", r.key, err)
	}
	sort.Strings(keys)
	return keys, nil
}
