// ABOUTME: Append-only conversation event ledger (opened, closed, reopened, assigned)
// ABOUTME: Events are inserted once and never updated or deleted

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const eventColumns = `
	event_id, conversation_id, type, timestamp, operator_id, assignee,
	duration_open_ms, messages_sent, messages_received, reason, note
`

// AppendEvent persists a ledger event to the database
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *ConversationEvent) error {
	query := `INSERT INTO conversation_events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ConversationID,
		string(e.Type),
		formatTime(e.Timestamp),
		e.OperatorID,
		e.Assignee,
		e.DurationOpenMs,
		e.MessagesSent,
		e.MessagesReceived,
		e.Reason,
		e.Note,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("appended conversation event",
		"event_id", e.ID,
		"conversation_id", e.ConversationID,
		"type", e.Type,
	)
	return nil
}

// ListEvents returns the ledger for a conversation, oldest first
func (s *SQLiteStore) ListEvents(ctx context.Context, conversationID string) ([]*ConversationEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM conversation_events
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`
	return s.queryEvents(ctx, query, conversationID)
}

// ListClosedEvents returns up to limit of the most recent closed events, newest first
func (s *SQLiteStore) ListClosedEvents(ctx context.Context, conversationID string, limit int) ([]*ConversationEvent, error) {
	if limit <= 0 {
		limit = 3
	}
	query := `
		SELECT ` + eventColumns + `
		FROM conversation_events
		WHERE conversation_id = ? AND type = 'closed'
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`
	return s.queryEvents(ctx, query, conversationID, limit)
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]*ConversationEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*ConversationEvent
	for rows.Next() {
		e := &ConversationEvent{}
		var eventType, timestamp string
		var duration, sent, received sql.NullInt64

		if err := rows.Scan(
			&e.ID,
			&e.ConversationID,
			&eventType,
			&timestamp,
			&e.OperatorID,
			&e.Assignee,
			&duration,
			&sent,
			&received,
			&e.Reason,
			&e.Note,
		); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		e.Type = EventType(eventType)
		if e.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if duration.Valid {
			e.DurationOpenMs = &duration.Int64
		}
		if sent.Valid {
			n := int(sent.Int64)
			e.MessagesSent = &n
		}
		if received.Valid {
			n := int(received.Int64)
			e.MessagesReceived = &n
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}
