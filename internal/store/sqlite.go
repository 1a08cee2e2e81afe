// ABOUTME: SQLite implementation of switchboard storage using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and holds shared scan helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements every store interface used by switchboard
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single :memory: database only exists on one connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Connection pragmas live in the DSN so every pooled connection gets them;
	// this ping surfaces a bad path or pragma at open time.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// connPragmas apply to each connection the pool opens. WAL lets readers run
// beside the writer; busy_timeout makes overlapping writers wait instead of
// failing with SQLITE_BUSY.
var connPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

// dsn appends the connection pragmas to a database path
func dsn(path string) string {
	params := make([]string, 0, len(connPragmas))
	for _, p := range connPragmas {
		params = append(params, "_pragma="+p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			counterparty_id TEXT NOT NULL,
			channel_ref     TEXT NOT NULL,
			contact_ref     TEXT,
			display_name    TEXT,
			status          TEXT NOT NULL,
			assignee_kind   TEXT NOT NULL DEFAULT 'unassigned',
			assignee_id     TEXT,
			last_message_at TEXT NOT NULL,
			last_opened_at  TEXT NOT NULL,
			welcome_sent    INTEGER NOT NULL DEFAULT 0,
			tags_json       TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('open', 'assigned', 'closed')),
			CHECK (assignee_kind IN ('unassigned', 'assistant', 'human'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_counterparty
			ON conversations(counterparty_id, channel_ref);
		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
		CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON conversations(last_message_at DESC);

		CREATE TABLE IF NOT EXISTS conversation_notes (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			operator_id     TEXT NOT NULL,
			text            TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notes_conversation ON conversation_notes(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			direction       TEXT NOT NULL,
			content         TEXT,
			media_json      TEXT,
			external_ref    TEXT,
			status          TEXT NOT NULL,
			sender_id       TEXT,
			automated       INTEGER NOT NULL DEFAULT 0,
			sent_at         TEXT,
			delivered_at    TEXT,
			read_at         TEXT,
			reply_to_ref    TEXT,
			reactions_json  TEXT,
			created_at      TEXT NOT NULL,

			CHECK (direction IN ('incoming', 'outgoing', 'internal')),
			CHECK (status IN ('sent', 'delivered', 'read', 'failed', 'received', 'note'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external_ref
			ON messages(external_ref) WHERE external_ref IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS conversation_events (
			event_id          TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			type              TEXT NOT NULL,
			timestamp         TEXT NOT NULL,
			operator_id       TEXT,
			assignee          TEXT,
			duration_open_ms  INTEGER,
			messages_sent     INTEGER,
			messages_received INTEGER,
			reason            TEXT,
			note              TEXT,

			CHECK (type IN ('opened', 'closed', 'reopened_automatically', 'assigned'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversation_events_conv
			ON conversation_events(conversation_id, timestamp);

		CREATE TABLE IF NOT EXISTS notifications (
			id           TEXT PRIMARY KEY,
			recipient_id TEXT NOT NULL,
			type         TEXT NOT NULL,
			title        TEXT NOT NULL,
			content      TEXT NOT NULL,
			ref_model    TEXT NOT NULL,
			ref_id       TEXT NOT NULL,
			link         TEXT NOT NULL,
			is_read      INTEGER NOT NULL DEFAULT 0,
			is_archived  INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_recipient
			ON notifications(recipient_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS operators (
			id                TEXT PRIMARY KEY,
			display_name      TEXT NOT NULL,
			email             TEXT NOT NULL,
			kind              TEXT NOT NULL DEFAULT 'human',
			active            INTEGER NOT NULL DEFAULT 1,
			capabilities_json TEXT,
			created_at        TEXT NOT NULL,

			CHECK (kind IN ('human', 'assistant'))
		);

		CREATE TABLE IF NOT EXISTS operator_preferences (
			operator_id            TEXT PRIMARY KEY REFERENCES operators(id) ON DELETE CASCADE,
			enabled                INTEGER NOT NULL,
			message_all            INTEGER NOT NULL,
			message_assigned_to_me INTEGER NOT NULL,
			message_unassigned     INTEGER NOT NULL,
			escalation             INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS push_subscriptions (
			id          TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL REFERENCES operators(id) ON DELETE CASCADE,
			kind        TEXT NOT NULL,
			endpoint    TEXT NOT NULL,
			p256dh      TEXT,
			auth        TEXT,
			created_at  TEXT NOT NULL,

			UNIQUE(operator_id, endpoint),
			CHECK (kind IN ('webpush', 'slack', 'discord'))
		);

		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by hand or older tooling
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalJSON encodes v for a nullable JSON column; nil/empty values become NULL.
func marshalJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case []Reaction:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case *Media:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}
