package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "broker:session:"
	claimKeyPrefix   = "copytrade:claim:"
)

// RedisCache keeps short-lived broker sessions and dedup claims in Redis
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache creates a new RedisCache
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// GetSession returns a cached broker session token
func (c *RedisCache) GetSession(ctx context.Context, key string) (string, bool, error) {
	token, err := c.rdb.Get(ctx, sessionKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// SetSession caches a broker session token for ttl
func (c *RedisCache) SetSession(ctx context.Context, key, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.rdb.Set(ctx, sessionKeyPrefix+key, token, ttl).Err()
}

// DeleteSession drops a cached session
func (c *RedisCache) DeleteSession(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, sessionKeyPrefix+key).Err()
}

// Claim atomically takes ownership of key for ttl. It returns false if
// another cycle already holds it.
func (c *RedisCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, claimKeyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

// Release drops a claim so the key can be taken again before it expires
func (c *RedisCache) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, claimKeyPrefix+key).Err()
}
