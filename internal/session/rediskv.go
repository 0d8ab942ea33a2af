package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKVStore backs the Session Store's optional persistence with Redis
// (SPEC_FULL.md §4.J), grounded on _examples/evalgo-org-eve's and
// _examples/goadesign-goa-ai's use of github.com/redis/go-redis/v9.
// Session snapshots are stored as plain Redis keys with a native TTL, so
// expiry is enforced by Redis itself as a second line of defense behind
// the in-memory Store's own expiry check.
type RedisKVStore struct {
	client *redis.Client
}

// NewRedisKVStore wraps an existing client.
func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKVStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
