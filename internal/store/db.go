package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM DB handle and exposes snapshot helpers.
type Database struct {
	gorm *gorm.DB
	mu   sync.Mutex
}

// Open initializes the SQLite-backed snapshot database at the provided path.
func Open(path string, silent bool) (*Database, error) {
	cfg := &gorm.Config{}
	if silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		logrus.WithError(err).Warn("enable WAL mode")
	}
	if err := db.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
		logrus.WithError(err).Warn("set synchronous pragma")
	}
	if err := applyIndexes(db); err != nil {
		return nil, fmt.Errorf("apply indexes: %w", err)
	}
	return &Database{gorm: db}, nil
}

// Close closes the underlying database connection.
func (d *Database) Close() error {
	if d == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSnapshot inserts a snapshot or refreshes an existing (tenant, version) row.
func (d *Database) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	snapshot.Tenant = strings.TrimSpace(snapshot.Tenant)
	if snapshot.Tenant == "" {
		return errors.New("snapshot tenant is empty")
	}
	if snapshot.Version == "" {
		return errors.New("snapshot version is empty")
	}
	if snapshot.FetchedAt.IsZero() {
		snapshot.FetchedAt = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant"}, {Name: "version"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_modified", "payload", "fetched_at", "updated_at"}),
	}).Create(&snapshot).Error
}

// LatestSnapshot returns the most recently fetched snapshot for the tenant.
func (d *Database) LatestSnapshot(ctx context.Context, tenant string) (Snapshot, error) {
	var snapshot Snapshot
	err := d.gorm.WithContext(ctx).
		Where("tenant = ?", strings.TrimSpace(tenant)).
		Order("fetched_at DESC").
		Order("id DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// ListSnapshots returns snapshots for the tenant, newest first.
func (d *Database) ListSnapshots(ctx context.Context, tenant string, limit int) ([]Snapshot, error) {
	query := d.gorm.WithContext(ctx).
		Where("tenant = ?", strings.TrimSpace(tenant)).
		Order("fetched_at DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Snapshot
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountSnapshots returns the number of stored snapshots for the tenant.
func (d *Database) CountSnapshots(ctx context.Context, tenant string) (int64, error) {
	var count int64
	if err := d.gorm.WithContext(ctx).Model(&Snapshot{}).Where("tenant = ?", strings.TrimSpace(tenant)).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// PruneSnapshots keeps the newest keep snapshots of the tenant and deletes the rest.
func (d *Database) PruneSnapshots(ctx context.Context, tenant string, keep int) (int64, error) {
	tenant = strings.TrimSpace(tenant)
	d.mu.Lock()
	defer d.mu.Unlock()

	var keepIDs []uint
	if keep > 0 {
		if err := d.gorm.WithContext(ctx).Model(&Snapshot{}).
			Where("tenant = ?", tenant).
			Order("fetched_at DESC").
			Order("id DESC").
			Limit(keep).
			Pluck("id", &keepIDs).Error; err != nil {
			return 0, err
		}
	}

	query := d.gorm.WithContext(ctx).Where("tenant = ?", tenant)
	if len(keepIDs) > 0 {
		query = query.Where("id NOT IN ?", keepIDs)
	}
	result := query.Delete(&Snapshot{})
	return result.RowsAffected, result.Error
}

func applyIndexes(db *gorm.DB) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_snapshots_tenant_fetched ON snapshots(tenant, fetched_at)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
