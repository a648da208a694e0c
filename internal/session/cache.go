// Package session caches identity session snapshots so the gate does not
// hit the provider on every navigation.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Obulo/starter-kit/internal/identity"
)

// Cache stores session snapshots in Redis keyed by hashed session token.
// Entries expire quickly; the provider remains the source of truth.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Cache{client: client, prefix: "snapshot:", ttl: ttl}, nil
}

// NewCacheWithClient creates a cache from an existing Redis client.
func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: "snapshot:", ttl: ttl}
}

// HashToken derives the cache key material for a session token. Raw
// tokens are never stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)
}

func (c *Cache) key(tokenHash string) string {
	return c.prefix + tokenHash
}

func (c *Cache) Put(ctx context.Context, tokenHash string, snapshot identity.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(tokenHash), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Get returns the cached snapshot and whether one was present. A cache
// miss is not an error.
func (c *Cache) Get(ctx context.Context, tokenHash string) (identity.Snapshot, bool, error) {
	data, err := c.client.Get(ctx, c.key(tokenHash)).Result()
	if err == redis.Nil {
		return identity.Snapshot{}, false, nil
	}
	if err != nil {
		return identity.Snapshot{}, false, fmt.Errorf("lookup snapshot: %w", err)
	}

	var snapshot identity.Snapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return identity.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, true, nil
}

// Invalidate drops the cached snapshot, forcing the next gate evaluation
// back to the provider. Used after sign-out and organization switches.
func (c *Cache) Invalidate(ctx context.Context, tokenHash string) error {
	if err := c.client.Del(ctx, c.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
