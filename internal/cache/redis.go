package cache

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "govcache:"

// Redis is a cache backend over go-redis. Expiry and the memory bound
// are delegated to Redis per-key TTLs and its eviction policy.
type Redis struct {
	client *redis.Client

	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Lookup(ctx context.Context, key string) (*Entry, bool, error) {
	var e Entry
	err := r.client.Get(ctx, redisKeyPrefix+key).Scan(&e)
	if err == redis.Nil {
		r.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		r.misses.Add(1)
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	r.hits.Add(1)
	return &e, true, nil
}

func (r *Redis) Store(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	stored := *entry
	stored.InsertedAt = time.Now()
	if err := r.client.Set(ctx, redisKeyPrefix+key, &stored, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	r.stores.Add(1)
	return nil
}

// Purge deletes every cached response, leaving unrelated keys in the
// same database untouched.
func (r *Redis) Purge(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("cache: redis del: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: redis scan: %w", err)
	}
	return nil
}

func (r *Redis) Stats(ctx context.Context) Stats {
	s := Stats{
		Backend: "redis",
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		Stores:  r.stores.Load(),
	}
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		s.Entries++
	}
	if err := iter.Err(); err != nil {
		log.Printf("[cache] redis stats scan: %v", err)
	}
	return s
}
