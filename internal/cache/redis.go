// Package cache provides a Redis-backed code cache for reference preloading.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a resolved code stays cached.
const DefaultTTL = 10 * time.Minute

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// CodeCache stores code->value mappings as JSON under
// "{prefix}:{entity}:{code}". It satisfies importing.CodeCache[E].
type CodeCache[E any] struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewCodeCache creates a cache. A non-positive ttl uses DefaultTTL.
func NewCodeCache[E any](client redis.UniversalClient, prefix string, ttl time.Duration) *CodeCache[E] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "erpimport"
	}
	return &CodeCache[E]{client: client, prefix: prefix, ttl: ttl}
}

func (c *CodeCache[E]) key(entity, code string) string {
	return c.prefix + ":" + entity + ":" + code
}

// GetMany returns the cached subset of codes.
func (c *CodeCache[E]) GetMany(ctx context.Context, entity string, codes []string) (map[string]E, error) {
	out := make(map[string]E, len(codes))
	if len(codes) == 0 {
		return out, nil
	}

	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = c.key(entity, code)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return out, fmt.Errorf("mget %s: %w", entity, err)
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e E
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out[codes[i]] = e
	}
	return out, nil
}

// PutMany caches found with the configured TTL in one pipeline.
func (c *CodeCache[E]) PutMany(ctx context.Context, entity string, found map[string]E) error {
	if len(found) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for code, e := range found {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", entity, code, err)
		}
		pipe.Set(ctx, c.key(entity, code), b, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache %s: %w", entity, err)
	}
	return nil
}
