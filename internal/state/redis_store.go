package state

import (
	"context"
	"errors"
	"time"

	"knife/pkg/database"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of the shared Redis client, matching
// the teacher's connection-pooled wrapper rather than opening a second
// connection pool for run bookkeeping.
type RedisStore struct {
	redis  *database.Redis
	prefix string
}

// NewRedisStore returns a Store namespaced under keyPrefix (the original
// implementation used "knife." as its cache key prefix).
func NewRedisStore(r *database.Redis, keyPrefix string) *RedisStore {
	return &RedisStore{redis: r, prefix: keyPrefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.redis.Get(ctx, s.key(key))
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, nil // state-store read failure is treated as a cache miss (§7)
	}
	return []byte(val), true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.redis.Set(ctx, s.key(key), value, ttl)
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = s.key(k)
	}
	return s.redis.Delete(ctx, namespaced...)
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.redis.Incr(ctx, s.key(key))
}

func (s *RedisStore) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	matches, err := s.redis.Keys(ctx, s.key(prefix)+"*")
	if err != nil {
		return nil, err
	}
	stripped := make([]string, len(matches))
	for i, m := range matches {
		stripped[i] = m[len(s.prefix):]
	}
	return stripped, nil
}

func (s *RedisStore) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	return s.redis.Expire(ctx, s.key(key), ttl)
}
