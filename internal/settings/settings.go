// Package settings reads operator-controlled dynamic settings, such as the
// default provider, from Redis.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "settings:"

	DefaultProvider = "ai_default_provider"
)

// ModelFor is the setting name holding the preferred model of a provider.
func ModelFor(providerName string) string {
	return "ai_model_" + providerName
}

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

type RedisStore struct {
	rdb redisClient
}

func NewRedisStore(rdb redisClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Setting returns the value of name; ok is false when it is unset.
func (s *RedisStore) Setting(ctx context.Context, name string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, keyPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", name, err)
	}
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, name, value string) error {
	if err := s.rdb.Set(ctx, keyPrefix+name, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", name, err)
	}
	return nil
}

// Static is a map-backed settings reader.
type Static map[string]string

func (s Static) Setting(ctx context.Context, name string) (string, bool, error) {
	v, ok := s[name]
	return v, ok && v != "", nil
}
