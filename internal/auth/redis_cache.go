package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "auth:"

// RedisKeyCache backs KeyCache with Redis so all gateway instances share
// one resolution cache.
type RedisKeyCache struct {
	client *redis.Client
}

func NewRedisKeyCache(client *redis.Client) *RedisKeyCache {
	return &RedisKeyCache{client: client}
}

func (c *RedisKeyCache) Get(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := c.client.Get(ctx, cacheKeyPrefix+keyHash).Scan(&k)
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (c *RedisKeyCache) Set(ctx context.Context, keyHash string, key *APIKey, ttl time.Duration) error {
	return c.client.Set(ctx, cacheKeyPrefix+keyHash, key, ttl).Err()
}
