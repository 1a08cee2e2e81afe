// ABOUTME: Key/value settings rows with JSON-encoded values
// ABOUTME: Holds admin-editable configuration such as the hand-off keyword list

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SettingHandoffKeywords is the ordered hand-off keyword list
const SettingHandoffKeywords = "handoff.keywords"

// GetSetting decodes the JSON value stored under key into v.
// Returns ErrNotFound if the key has never been written.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string, v any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying setting: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding setting %s: %w", key, err)
	}
	return nil
}

// PutSetting stores v as JSON under key
func (s *SQLiteStore) PutSetting(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(b), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving setting: %w", err)
	}
	return nil
}
