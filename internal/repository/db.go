package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal-backend/internal/apperr"
	"portal-backend/internal/feed"
	"portal-backend/internal/models"

	"github.com/rs/zerolog/log"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to PostgreSQL through GORM and sizes the pool.
func Open(dsn string, maxOpenConns int) (*gorm.DB, error) {
	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxOpenConns / 2)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Couple{},
		&models.Profile{},
		&models.Mood{},
		&models.GameScore{},
		&models.GameRound{},
		&models.RoundTally{},
		&models.Star{},
		&models.Drawing{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Clock returns the current commit time.
type Clock func() time.Time

// DefaultClock is UTC wall time at microsecond precision, the resolution
// PostgreSQL keeps.
func DefaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// nextTimestamp returns a commit time strictly after prev.
func nextTimestamp(clock Clock, prev time.Time) time.Time {
	ts := clock()
	if !prev.IsZero() && !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	return ts
}

// storeErr maps GORM and driver errors to the application taxonomy.
func storeErr(message string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.Wrap(apperr.KindNotFound, message, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.Wrap(apperr.KindConflictRetryable, message, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", message, err)
	default:
		return apperr.Wrap(apperr.KindStoreUnavailable, message, err)
	}
}

// publish emits committed changes. The write already succeeded, so a
// failure is only logged here; publishers that lose a change disconnect
// their subscribers, which then re-fetch.
func publish(ctx context.Context, publisher feed.Publisher, changes ...feed.Change) {
	if len(changes) == 0 {
		return
	}
	if err := publisher.Publish(ctx, changes...); err != nil {
		log.Error().Err(err).Str("table", string(changes[0].Table)).Msg("Failed to publish change")
	}
}

func coupleOf(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}
