package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kjstillabower/music-popularity-service/internal/models"
)

// ErrTrackNotFound is returned when the referenced track does not exist.
var ErrTrackNotFound = errors.New("track not found")

// ErrUnauthenticated is returned when an identity-requiring operation is
// called without a caller identity.
var ErrUnauthenticated = errors.New("authentication required")

// ErrStorageUnavailable wraps transient backing-store failures. Callers may
// retry read operations; write operations are never retried here.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrInvariantViolation is returned when a counter is observed in a state the
// ledger cannot explain (a decrement below zero). Never retried; the row is
// clamped and the violation is logged for reconciliation.
var ErrInvariantViolation = errors.New("counter invariant violation")

// Open connects to PostgreSQL and configures the connection pool.
// connMaxLifetime uses the driver default when zero.
func Open(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(maxIdleConns)
	}
	if connMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(connMaxLifetime)
	}
	return db, nil
}

// Migrate creates or updates the schema for all models owned by this service.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Track{}, &models.Like{}, &models.ListeningHistory{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Ping checks database reachability. Used by the health handler.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// classify maps driver-level errors onto the store error taxonomy.
// Context cancellation passes through untouched so callers can distinguish
// their own timeout from a storage fault.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTrackNotFound
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
