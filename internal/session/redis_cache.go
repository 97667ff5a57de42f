package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares session documents between processes. Entries expire after
// ttl so abandoned sessions do not pin memory.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCacheWithClient creates a cache from an existing Redis client. The
// client stays owned by the caller.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{
		client: client,
		prefix: "session-state:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(sessionID string) string {
	return c.prefix + sessionID
}

func (c *RedisCache) Get(ctx context.Context, sessionID string) (json.RawMessage, bool, error) {
	data, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get session state: %w", err)
	}
	return json.RawMessage(data), true, nil
}

// Set replaces the whole entry and refreshes its expiry.
func (c *RedisCache) Set(ctx context.Context, sessionID string, doc json.RawMessage) error {
	if err := c.client.Set(ctx, c.key(sessionID), []byte(doc), c.ttl).Err(); err != nil {
		return fmt.Errorf("set session state: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
