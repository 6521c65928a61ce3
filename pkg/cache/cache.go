// Package cache is the key/value cache contract used by the read paths and
// the invalidation engine, backed by Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/socialsync/config"
)

// Cache is what the services need from a response cache.
type Cache interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// KeysMatching returns every key matching a glob pattern such as "posts:*".
	KeysMatching(ctx context.Context, pattern string) ([]string, error)
}

// RedisCache implements Cache on a go-redis client. Every call is bounded by
// opTimeout on top of the caller's context.
type RedisCache struct {
	client    redis.UniversalClient
	opTimeout time.Duration
	scanCount int64
}

// NewClient builds a go-redis client from config.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisCache(client redis.UniversalClient, opTimeout time.Duration) *RedisCache {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &RedisCache{client: client, opTimeout: opTimeout, scanCount: 200}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, true, nil
}

func (c *RedisCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete %v: %w", keys, err)
	}
	return nil
}

// KeysMatching walks the keyspace with SCAN instead of KEYS so a large
// keyspace does not block the server.
func (c *RedisCache) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	seen := make(map[string]struct{})
	keys := make([]string, 0)
	iter := c.client.Scan(ctx, 0, pattern, c.scanCount).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// SCAN may return a key more than once
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan %s: %w", pattern, err)
	}
	return keys, nil
}

// GetJSON decodes a cached JSON value into dst. A value that no longer
// decodes is reported as a miss so the caller repopulates it.
func GetJSON(ctx context.Context, c Cache, key string, dst any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, nil
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.SetWithTTL(ctx, key, string(payload), ttl)
}
