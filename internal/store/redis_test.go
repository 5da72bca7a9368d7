package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, opts ...RedisOption) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisCache(rdb, opts...), mr
}

func TestRedisCacheLatestAndHistory(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestRedis(t, WithRedisMaxEntries(2))

	for _, version := range []string{"v1", "v2", "v3"} {
		require.NoError(t, cache.SaveSnapshot(ctx, Snapshot{Tenant: "mjos", Version: version, Payload: "{}"}))
	}

	latest, err := cache.LatestSnapshot(ctx, "mjos")
	require.NoError(t, err)
	assert.Equal(t, "v3", latest.Version)
	assert.False(t, latest.FetchedAt.IsZero())

	rows, err := cache.ListSnapshots(ctx, "mjos", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "v3", rows[0].Version)
	assert.Equal(t, "v2", rows[1].Version)

	rows, err = cache.ListSnapshots(ctx, "mjos", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRedisCacheMissing(t *testing.T) {
	cache, _ := newTestRedis(t)
	_, err := cache.LatestSnapshot(context.Background(), "mjos")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestRedisCacheTTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedis(t, WithRedisPrefix("test:"), WithRedisTTL(time.Minute))

	require.NoError(t, cache.SaveSnapshot(ctx, Snapshot{Tenant: "mjos", Version: "v1", Payload: "{}"}))
	assert.True(t, mr.Exists("test:mjos:latest"))
	assert.Equal(t, time.Minute, mr.TTL("test:mjos:history"))

	mr.FastForward(2 * time.Minute)
	_, err := cache.LatestSnapshot(ctx, "mjos")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestWithFallback(t *testing.T) {
	ctx := context.Background()
	primary, _ := newTestRedis(t, WithRedisPrefix("primary"))
	fallback := openTestDB(t)

	require.NoError(t, fallback.SaveSnapshot(ctx, Snapshot{Tenant: "mjos", Version: "old", Payload: "{}"}))

	chain := WithFallback(primary, fallback)
	latest, err := chain.LatestSnapshot(ctx, "mjos")
	require.NoError(t, err)
	assert.Equal(t, "old", latest.Version)

	require.NoError(t, chain.SaveSnapshot(ctx, Snapshot{Tenant: "mjos", Version: "new", Payload: "{}"}))
	latest, err = chain.LatestSnapshot(ctx, "mjos")
	require.NoError(t, err)
	assert.Equal(t, "new", latest.Version)

	count, err := fallback.CountSnapshots(ctx, "mjos")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	assert.Same(t, fallback, WithFallback(nil, fallback))
}
