package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a tenant.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is one fetched revision of a tenant's config document.
type Snapshot struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Tenant       string    `gorm:"size:128;not null;uniqueIndex:idx_snapshots_tenant_version" json:"tenant"`
	Version      string    `gorm:"size:128;not null;uniqueIndex:idx_snapshots_tenant_version" json:"version"`
	LastModified time.Time `json:"last_modified"`
	Payload      string    `gorm:"type:text" json:"payload"`
	FetchedAt    time.Time `gorm:"index" json:"fetched_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Decode unmarshals the stored payload into dst.
func (s *Snapshot) Decode(dst any) error {
	if strings.TrimSpace(s.Payload) == "" {
		return errors.New("snapshot payload is empty")
	}
	return json.Unmarshal([]byte(s.Payload), dst)
}

// SnapshotStore persists config snapshots per tenant.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	LatestSnapshot(ctx context.Context, tenant string) (Snapshot, error)
	ListSnapshots(ctx context.Context, tenant string, limit int) ([]Snapshot, error)
}
