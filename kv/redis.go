package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.rdb == nil {
		return "", errors.New("redis store not initialized")
	}
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.rdb == nil {
		return errors.New("redis store not initialized")
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.rdb == nil {
		return false, errors.New("redis store not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("key is empty")
	}
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

// incrScript applies the TTL only when INCRBY created the key, so the
// counter's period window is anchored at first spend.
var incrScript = redis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 and redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v
`)

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if s == nil || s.rdb == nil {
		return 0, errors.New("redis store not initialized")
	}
	return incrScript.Run(ctx, s.rdb, []string{key}, delta, ttl.Milliseconds()).Int64()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if s == nil || s.rdb == nil {
		return errors.New("redis store not initialized")
	}
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if s == nil || s.rdb == nil {
		return 0, errors.New("redis store not initialized")
	}
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
