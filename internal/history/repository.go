// Package history stores general status samples and daily energy totals in a
// local SQLite database.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/hpema/axpert/internal/domain"
)

// Repository persists samples and daily totals. It is used both as a monitoring
// sink and as a day recorder.
type Repository struct {
	db        *gorm.DB
	retention time.Duration
	logger    zerolog.Logger
}

// New opens (or creates) the database at path and migrates the schema. Samples
// older than retention are pruned whenever a day is recorded; zero keeps them all.
func New(path string, retention time.Duration) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Migrate the schema
	if err := db.AutoMigrate(&StoredReading{}, &StoredDay{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db:        db,
		retention: retention,
		logger:    log.With().Str("component", "history").Str("path", path).Logger(),
	}, nil
}

// Connect is a no-op; the database is opened by New.
func (r *Repository) Connect() error {
	return nil
}

// Send stores one sample.
func (r *Repository) Send(ctx context.Context, sample *domain.Sample) error {
	reading := newStoredReading(sample)
	if err := r.db.WithContext(ctx).Create(&reading).Error; err != nil {
		return fmt.Errorf("store reading: %w", err)
	}
	return nil
}

// RecordDay stores the totals of a finished day. Recording the same date twice
// overwrites the earlier row.
func (r *Repository) RecordDay(ctx context.Context, day domain.DailyEnergy) error {
	stored := newStoredDay(day)

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&stored)
	if result.Error != nil {
		return fmt.Errorf("store day %s: %w", stored.Date, result.Error)
	}

	r.logger.Info().
		Str("date", stored.Date).
		Float64("pv_wh", stored.PVWh).
		Float64("out_wh", stored.OutWh).
		Msg("Recorded daily energy")

	if r.retention > 0 {
		removed, err := r.Prune(ctx, day.Date.Add(-r.retention))
		if err != nil {
			return fmt.Errorf("prune readings: %w", err)
		}
		if removed > 0 {
			r.logger.Debug().Int64("removed", removed).Msg("Pruned old readings")
		}
	}
	return nil
}

// Readings returns up to limit samples taken at or after since, newest first.
// Times are stored in UTC.
func (r *Repository) Readings(ctx context.Context, since time.Time, limit int) ([]StoredReading, error) {
	var readings []StoredReading

	result := r.db.WithContext(ctx).
		Where("time >= ?", since.UTC()).
		Order("time desc").
		Limit(limit).
		Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

// Days returns up to limit daily totals, newest first.
func (r *Repository) Days(ctx context.Context, limit int) ([]StoredDay, error) {
	var days []StoredDay

	result := r.db.WithContext(ctx).Order("date desc").Limit(limit).Find(&days)
	if result.Error != nil {
		return nil, result.Error
	}
	return days, nil
}

// Prune deletes samples older than before and returns how many were removed.
func (r *Repository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("time < ?", before.UTC()).Delete(&StoredReading{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
