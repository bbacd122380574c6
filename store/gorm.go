package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordModel is the table row backing the Gorm store.
type RecordModel struct {
	Key         string    `gorm:"primaryKey;size:191"`
	WindowStart time.Time `gorm:"not null"`
	Count       int64     `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

// TableName implements gorm's Tabler.
func (RecordModel) TableName() string {
	return "rate_limit_records"
}

// Gorm is a relational implementation of Store. Take runs in a transaction
// holding a row lock (SELECT ... FOR UPDATE) on the key, so instances sharing
// the database share counters. Expired rows are removed by Sweep.
type Gorm struct {
	db *gorm.DB
}

// NewGorm returns a store over db. Call Migrate once before use.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// Migrate creates or updates the records table.
func (g *Gorm) Migrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(&RecordModel{}); err != nil {
		return fmt.Errorf("failed to migrate rate limit records: %w", err)
	}
	return nil
}

// Take applies one attempt for key inside a locking transaction.
func (g *Gorm) Take(ctx context.Context, key string, policy Policy, now time.Time) (Result, error) {
	var res Result

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// An empty row starting now is equivalent to no record. Seeding it makes
		// concurrent first attempts on a key wait on the row lock below.
		seed := RecordModel{Key: key, WindowStart: now, ExpiresAt: now.Add(policy.Window)}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var row RecordModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("`key` = ?", key).
			Take(&row).Error; err != nil {
			return err
		}

		res = Apply(Record{WindowStart: row.WindowStart, Count: row.Count}, true, policy, now)

		return tx.Model(&RecordModel{}).
			Where("`key` = ?", key).
			Updates(map[string]any{
				"window_start": res.Record.WindowStart,
				"count":        res.Record.Count,
				"expires_at":   res.Record.ResetAt(policy.Window),
			}).Error
	})
	if err != nil {
		return Result{}, fmt.Errorf("gorm take failed: %w", err)
	}

	return res, nil
}

// Get retrieves the record for key without modifying it.
func (g *Gorm) Get(ctx context.Context, key string) (Record, bool, error) {
	var row RecordModel
	err := g.db.WithContext(ctx).Where("`key` = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("gorm get failed: %w", err)
	}
	return Record{WindowStart: row.WindowStart, Count: row.Count}, true, nil
}

// Reset removes the record for key.
func (g *Gorm) Reset(ctx context.Context, key string) error {
	if err := g.db.WithContext(ctx).Where("`key` = ?", key).Delete(&RecordModel{}).Error; err != nil {
		return fmt.Errorf("gorm reset failed: %w", err)
	}
	return nil
}

// Sweep deletes every row whose window ended at or before now and returns
// the number of rows removed.
func (g *Gorm) Sweep(ctx context.Context, now time.Time) (int64, error) {
	result := g.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&RecordModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("gorm sweep failed: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ping checks that the database is reachable.
func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close is a no-op; the *gorm.DB is owned by the caller.
func (g *Gorm) Close() error {
	return nil
}
