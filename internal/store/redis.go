package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares snapshots between processes through Redis. The latest
// snapshot lives under its own key and a capped list keeps the history.
type RedisCache struct {
	rdb *redis.Client

	prefix     string
	ttl        time.Duration
	maxEntries int64
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithRedisPrefix namespaces every key; surrounding colons are trimmed.
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisCache) { c.prefix = strings.Trim(prefix, ":") }
}

// WithRedisTTL expires both keys of a tenant; zero keeps them forever.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(c *RedisCache) { c.ttl = d }
}

// WithRedisMaxEntries caps the per-tenant history list. Non-positive values keep the default of 20.
func WithRedisMaxEntries(n int64) RedisOption {
	return func(c *RedisCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// NewRedisCache wraps rdb with the "cac:snapshots" prefix, no TTL and a history of 20 entries.
func NewRedisCache(rdb *redis.Client, opts ...RedisOption) *RedisCache {
	c := &RedisCache{
		rdb:        rdb,
		prefix:     "cac:snapshots",
		maxEntries: 20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) latestKey(tenant string) string {
	return fmt.Sprintf("%s:%s:latest", c.prefix, tenant)
}

func (c *RedisCache) historyKey(tenant string) string {
	return fmt.Sprintf("%s:%s:history", c.prefix, tenant)
}

// SaveSnapshot stores the snapshot as the tenant's latest and appends it to the history.
func (c *RedisCache) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if c == nil || c.rdb == nil {
		return errors.New("redis cache is nil")
	}
	snapshot.Tenant = strings.TrimSpace(snapshot.Tenant)
	if snapshot.Tenant == "" {
		return errors.New("snapshot tenant is empty")
	}
	if snapshot.FetchedAt.IsZero() {
		snapshot.FetchedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	history := c.historyKey(snapshot.Tenant)
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.latestKey(snapshot.Tenant), data, c.ttl)
	pipe.LPush(ctx, history, data)
	pipe.LTrim(ctx, history, 0, c.maxEntries-1)
	if c.ttl > 0 {
		pipe.Expire(ctx, history, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the tenant's latest snapshot.
func (c *RedisCache) LatestSnapshot(ctx context.Context, tenant string) (Snapshot, error) {
	if c == nil || c.rdb == nil {
		return Snapshot{}, errors.New("redis cache is nil")
	}
	data, err := c.rdb.Get(ctx, c.latestKey(strings.TrimSpace(tenant))).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// ListSnapshots returns up to limit snapshots, newest first.
func (c *RedisCache) ListSnapshots(ctx context.Context, tenant string, limit int) ([]Snapshot, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis cache is nil")
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	items, err := c.rdb.LRange(ctx, c.historyKey(strings.TrimSpace(tenant)), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(items))
	for _, item := range items {
		var snapshot Snapshot
		if err := json.Unmarshal([]byte(item), &snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snapshot)
	}
	return out, nil
}
