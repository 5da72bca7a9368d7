package store

import (
	"context"
	"errors"
)

type storeChain struct {
	primary  SnapshotStore
	fallback SnapshotStore
}

// WithFallback returns a store that writes to both stores and reads from the
// primary first, falling back when the primary has nothing or fails.
func WithFallback(primary, fallback SnapshotStore) SnapshotStore {
	if primary == nil {
		return fallback
	}
	if fallback == nil {
		return primary
	}
	return &storeChain{primary: primary, fallback: fallback}
}

func (c *storeChain) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	return errors.Join(
		c.primary.SaveSnapshot(ctx, snapshot),
		c.fallback.SaveSnapshot(ctx, snapshot),
	)
}

func (c *storeChain) LatestSnapshot(ctx context.Context, tenant string) (Snapshot, error) {
	if snapshot, err := c.primary.LatestSnapshot(ctx, tenant); err == nil {
		return snapshot, nil
	}
	return c.fallback.LatestSnapshot(ctx, tenant)
}

func (c *storeChain) ListSnapshots(ctx context.Context, tenant string, limit int) ([]Snapshot, error) {
	if rows, err := c.primary.ListSnapshots(ctx, tenant, limit); err == nil && len(rows) > 0 {
		return rows, nil
	}
	return c.fallback.ListSnapshots(ctx, tenant, limit)
}
