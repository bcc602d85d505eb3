// Package store provides transactional persistence for the mail server.
// All multi-row updates go through WithTx; repository methods map driver
// errors onto the package sentinels.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps a database handle and exposes typed repositories.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at dsn and migrates the schema.
// Only the sqlite driver is supported.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids
	// "database is locked" churn between pooled handles.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn atomically. Transient failures are retried once; the
// second failure is surfaced.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	err := s.runTx(ctx, fn)
	if errors.Is(err, ErrStorageUnavailable) {
		err = s.runTx(ctx, fn)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
	return mapErr(err)
}

// mapErr folds driver errors onto the package sentinels. Errors already
// mapped (or application errors) pass through unchanged.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUniqueViolation) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %s", ErrUniqueViolation, msg)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "no such table"):
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, msg)
	}
	return err
}
