package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ReplayCache implements ports.ReplayCache using Redis. It only holds
// projections of finalized operations; PostgreSQL stays authoritative.
type ReplayCache struct {
	client *goredis.Client
	prefix string
}

// NewReplayCache creates a new Redis-backed replay cache.
func NewReplayCache(client *goredis.Client) *ReplayCache {
	return &ReplayCache{
		client: client,
		prefix: "aw:replay:",
	}
}

// Get retrieves a cached projection by idempotency key.
// Returns nil, nil if the key does not exist.
func (c *ReplayCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis replay get: %w", err)
	}
	return val, nil
}

// Set stores a projection with TTL, replacing any earlier one.
func (c *ReplayCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis replay set: %w", err)
	}
	return nil
}

// Delete removes a projection. A missing key is not an error.
func (c *ReplayCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis replay delete: %w", err)
	}
	return nil
}
