package search

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Cache stores encoded search results
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Clear(ctx context.Context) error
}

// MemoryCache is an in-process LRU cache
type MemoryCache struct {
	lru *lru.Cache[string, []byte] // nil when the cache is disabled
}

// A capacity of zero disables the cache
func NewMemoryCache(capacity int) *MemoryCache {
	c := &MemoryCache{}
	if capacity > 0 {
		// New only fails for a non-positive size
		c.lru, _ = lru.New[string, []byte](capacity)
	}
	return c
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.lru == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key, value)
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	if c.lru != nil {
		c.lru.Purge()
	}
	return nil
}

func (c *MemoryCache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// RedisCache shares search results between processes.
// Keys are prefixed with a generation number, and Clear bumps the generation,
// so stale entries are never read again and simply expire.
type RedisCache struct {
	log    logs.Log
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(log logs.Log, client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		log:    log,
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *RedisCache) generationKey() string {
	return c.prefix + "generation"
}

func (c *RedisCache) key(ctx context.Context, key string) (string, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		gen = 0
	} else if err != nil {
		return "", err
	}
	return c.prefix + strconv.FormatInt(gen, 10) + ":" + key, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	full, err := c.key(ctx, key)
	if err != nil {
		c.log.Warnf("Search cache read failed: %v", err)
		return nil, false
	}
	b, err := c.client.Get(ctx, full).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warnf("Search cache read failed: %v", err)
		}
		return nil, false
	}
	return b, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) {
	full, err := c.key(ctx, key)
	if err == nil {
		err = c.client.Set(ctx, full, value, c.ttl).Err()
	}
	if err != nil {
		c.log.Warnf("Search cache write failed: %v", err)
	}
}

func (c *RedisCache) Clear(ctx context.Context) error {
	return c.client.Incr(ctx, c.generationKey()).Err()
}
