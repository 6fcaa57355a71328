package kvstore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisBackend is a PersistenceBackend over a shared Redis instance, used
// when the persistent class store (or package cache) needs to be visible
// across multiple hosts rather than held in a single host's local file
// (spec §9 "back persistent stores with a small embedded key/value store
// abstraction" — Redis is one concrete implementation of that
// abstraction). No RunOptions setting selects it; a caller constructs it
// with NewRedisBackend.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend wraps an existing *redis.Client; every key is namespaced
// under prefix (e.g. "cfagent:persistent-classes:") so multiple tables can
// share one Redis instance.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) key(k string) string { return r.prefix + k }

func (r *RedisBackend) Save(ctx context.Context, key string, data []byte) error {
	return r.client.Set(ctx, r.key(key), data, 0).Err()
}

func (r *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := r.key(prefix) + "*"
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(r.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: redis scan: %w", err)
	}
	return out, nil
}

func (r *RedisBackend) Close(_ context.Context) error {
	return r.client.Close()
}
