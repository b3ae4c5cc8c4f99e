// Package sqlite implements session storage over a device-local SQLite
// file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openrep/kioskgate/internal/session/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	role             TEXT PRIMARY KEY,
	access_token     TEXT NOT NULL,
	refresh_token    TEXT NOT NULL DEFAULT '',
	user_id          TEXT NOT NULL DEFAULT '',
	username         TEXT NOT NULL DEFAULT '',
	display_name     TEXT NOT NULL DEFAULT '',
	role_specific_id TEXT NOT NULL DEFAULT '',
	authenticated    INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS device_flags (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	flagActiveRole = "active_role"
	flagAutoMode   = "kiosk_auto_mode"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements storage.Store over SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the device store and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutSession upserts one role's record without touching the other role.
func (s *Store) PutSession(ctx context.Context, record storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(record.Role) == "" {
		return fmt.Errorf("role is required")
	}
	authenticated := 0
	if record.Authenticated {
		authenticated = 1
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (role, access_token, refresh_token, user_id, username, display_name, role_specific_id, authenticated, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(role) DO UPDATE SET
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	user_id = excluded.user_id,
	username = excluded.username,
	display_name = excluded.display_name,
	role_specific_id = excluded.role_specific_id,
	authenticated = excluded.authenticated,
	updated_at = excluded.updated_at`,
		record.Role, record.AccessToken, record.RefreshToken, record.UserID,
		record.Username, record.DisplayName, record.RoleSpecificID,
		authenticated, toMillis(record.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession fetches one role's record.
func (s *Store) GetSession(ctx context.Context, role string) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT role, access_token, refresh_token, user_id, username, display_name, role_specific_id, authenticated, updated_at
FROM sessions WHERE role = ?`, role)

	var record storage.Record
	var authenticated int
	var updatedAt int64
	err := row.Scan(&record.Role, &record.AccessToken, &record.RefreshToken,
		&record.UserID, &record.Username, &record.DisplayName,
		&record.RoleSpecificID, &authenticated, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, fmt.Errorf("get session: %w", err)
	}
	record.Authenticated = authenticated != 0
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// DeleteSession clears only the given role's record.
func (s *Store) DeleteSession(ctx context.Context, role string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE role = ?`, role); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ActiveRole returns the pointer, or "" when unset.
func (s *Store) ActiveRole(ctx context.Context) (string, error) {
	value, err := s.getFlag(ctx, flagActiveRole)
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetActiveRole updates the pointer; "" clears it.
func (s *Store) SetActiveRole(ctx context.Context, role string) error {
	if role == "" {
		if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM device_flags WHERE key = ?`, flagActiveRole); err != nil {
			return fmt.Errorf("clear active role: %w", err)
		}
		return nil
	}
	return s.setFlag(ctx, flagActiveRole, role)
}

// AutoMode reports the persisted kiosk auto-mode flag.
func (s *Store) AutoMode(ctx context.Context) (bool, error) {
	value, err := s.getFlag(ctx, flagAutoMode)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// SetAutoMode persists the kiosk auto-mode flag.
func (s *Store) SetAutoMode(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return s.setFlag(ctx, flagAutoMode, value)
}

func (s *Store) getFlag(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var value string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM device_flags WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get flag %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setFlag(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO device_flags (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set flag %s: %w", key, err)
	}
	return nil
}
