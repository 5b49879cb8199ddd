// Package settings keeps a local copy of each account's user-facing
// settings. The persistent store stays authoritative; rows here are
// refreshed from it on login and after every settings write.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"portal-backend/internal/models"

	_ "modernc.org/sqlite"
)

// Setting keys
const (
	KeyFullName        = "full_name"
	KeyMeetDate        = "meet_date"
	KeyPartnerTZOffset = "partner_tz_offset"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	user_id    TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, key)
)`

// Settings is the local view of an account's settings
type Settings struct {
	FullName        string
	MeetDate        string
	PartnerTZOffset float64
	UpdatedAt       time.Time
}

// Store is a SQLite-backed settings store
type Store struct {
	sqlDB *sql.DB
}

// Open opens the store at path. ":memory:" gives a private in-memory store.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("settings path is required")
	}

	dsn := ":memory:"
	if path != dsn {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings db: %w", err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping settings db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create settings schema: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Get returns the stored settings and whether any were found.
func (s *Store) Get(ctx context.Context, userID string) (Settings, bool, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT key, value, updated_at FROM settings WHERE user_id = ?`, userID)
	if err != nil {
		return Settings{}, false, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	var (
		out   Settings
		found bool
	)
	for rows.Next() {
		var (
			key, value string
			updatedAt  int64
		)
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return Settings{}, false, fmt.Errorf("failed to scan setting: %w", err)
		}
		found = true
		if ts := time.UnixMicro(updatedAt).UTC(); ts.After(out.UpdatedAt) {
			out.UpdatedAt = ts
		}
		switch key {
		case KeyFullName:
			out.FullName = value
		case KeyMeetDate:
			out.MeetDate = value
		case KeyPartnerTZOffset:
			out.PartnerTZOffset, _ = strconv.ParseFloat(value, 64)
		}
	}
	if err := rows.Err(); err != nil {
		return Settings{}, false, fmt.Errorf("failed to read settings: %w", err)
	}
	return out, found, nil
}

// Put writes values stamped with at. A key keeps its current value when
// the stored one is newer.
func (s *Store) Put(ctx context.Context, userID string, values map[string]string, at time.Time) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settings tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO settings (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at
		WHERE excluded.updated_at >= settings.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare settings upsert: %w", err)
	}
	defer stmt.Close()

	for key, value := range values {
		if _, err := stmt.ExecContext(ctx, userID, key, value, at.UnixMicro()); err != nil {
			return fmt.Errorf("failed to store setting %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settings: %w", err)
	}
	return nil
}

// SyncFromProfile copies the profile's settings into the store.
func (s *Store) SyncFromProfile(ctx context.Context, profile *models.Profile) error {
	values := map[string]string{
		KeyFullName:        profile.FullName,
		KeyPartnerTZOffset: strconv.FormatFloat(profile.PartnerTZOffset, 'f', -1, 64),
		KeyMeetDate:        "",
	}
	if profile.MeetDate != nil {
		values[KeyMeetDate] = *profile.MeetDate
	}
	return s.Put(ctx, profile.ID, values, profile.UpdatedAt)
}

// Clear removes every setting of the account.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM settings WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear settings: %w", err)
	}
	return nil
}
