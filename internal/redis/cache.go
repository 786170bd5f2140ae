package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// QueryCache caches read results per tenant. Entries are namespaced by a
// per-tenant version number; Invalidate bumps the version so every entry
// written before it becomes unreachable and ages out on its own TTL.
type QueryCache struct {
	client *Client
	logger *zap.Logger
}

// NewQueryCache creates a tenant scoped read cache.
func NewQueryCache(client *Client, logger *zap.Logger) *QueryCache {
	return &QueryCache{
		client: client,
		logger: logger,
	}
}

func versionKey(tenantID string) string {
	return fmt.Sprintf("cache:%s:version", url.QueryEscape(tenantID))
}

func (c *QueryCache) entryKey(ctx context.Context, tenantID, name string) (string, error) {
	version, err := c.client.rdb.Get(ctx, versionKey(tenantID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis get version failed: %w", err)
	}
	return fmt.Sprintf("cache:%s:v%d:%s", url.QueryEscape(tenantID), version, name), nil
}

// Get decodes the cached entry into dst. It reports false on a miss.
func (c *QueryCache) Get(ctx context.Context, tenantID, name string, dst any) (bool, error) {
	key, err := c.entryKey(ctx, tenantID, name)
	if err != nil {
		return false, err
	}

	data, err := c.client.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", name, err)
	}
	return true, nil
}

// Set stores v under name for ttl in the tenant's current version.
func (c *QueryCache) Set(ctx context.Context, tenantID, name string, v any, ttl time.Duration) error {
	key, err := c.entryKey(ctx, tenantID, name)
	if err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	if err := c.client.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate drops every cached entry for the tenant.
func (c *QueryCache) Invalidate(ctx context.Context, tenantID string) error {
	if err := c.client.rdb.Incr(ctx, versionKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("redis incr failed: %w", err)
	}
	return nil
}

// Remember returns the cached value for name, or calls load and caches its
// result. Cache failures are logged and fall through to load.
func Remember[T any](ctx context.Context, c *QueryCache, tenantID, name string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var cached T
	hit, err := c.Get(ctx, tenantID, name, &cached)
	if err != nil {
		c.logger.Warn("cache read failed",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
			zap.String("entry", name),
		)
	}
	if hit {
		return cached, nil
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}

	if err := c.Set(ctx, tenantID, name, v, ttl); err != nil {
		c.logger.Warn("cache write failed",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
			zap.String("entry", name),
		)
	}
	return v, nil
}
