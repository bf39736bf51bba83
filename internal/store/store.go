// Package store owns the persistence boundary: opening the database,
// migrating models and running every atomic unit through one
// transaction with bounded retry on conflicts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const txAttempts = 3

// Store wraps the gorm handle used by every component.
type Store struct {
	DB  *gorm.DB
	log *zap.Logger
}

// Open connects using the configured driver. SQLite serves development
// and tests; Postgres is the production target.
func Open(driver, dsn string, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return &Store{DB: db, log: log}, nil
}

// Migrate creates or updates the schema for the given models.
func (s *Store) Migrate(models ...any) error {
	if err := s.DB.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// RunInTx executes fn inside one transaction. If persistence fails
// partway, nothing becomes visible. Conflicts (lost updates, lock
// timeouts) are retried a bounded number of times before surfacing;
// they are never silently dropped.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = s.DB.WithContext(ctx).Transaction(fn)
		if err == nil || !retryable(err) {
			return err
		}
		s.log.Warn("transaction conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", txAttempts, err)
}

func retryable(err error) bool {
	if errors.Is(err, gorm.ErrInvalidTransaction) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access")
}
