// ABOUTME: Message persistence: append, lookup by external reference, status and reaction updates
// ABOUTME: Content and media are written once; only status, timestamps, reactions and external_ref change

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `
	id, conversation_id, direction, content, media_json, external_ref, status,
	sender_id, automated, sent_at, delivered_at, read_at, reply_to_ref,
	reactions_json, created_at
`

// CreateMessage appends a message to its conversation.
// Returns ErrDuplicate if external_ref is already recorded.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *Message) error {
	media, err := marshalJSON(m.Media)
	if err != nil {
		return fmt.Errorf("encoding media: %w", err)
	}
	reactions, err := marshalJSON(m.Reactions)
	if err != nil {
		return fmt.Errorf("encoding reactions: %w", err)
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		m.ID,
		m.ConversationID,
		string(m.Direction),
		m.Content,
		media,
		m.ExternalRef,
		string(m.Status),
		m.SenderID,
		boolToInt(m.Automated),
		formatTimePtr(m.SentAt),
		formatTimePtr(m.DeliveredAt),
		formatTimePtr(m.ReadAt),
		m.ReplyToRef,
		reactions,
		formatTime(m.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message",
		"message_id", m.ID,
		"conversation_id", m.ConversationID,
		"direction", m.Direction,
	)
	return nil
}

// GetMessage retrieves a message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	return scanMessage(s.db.QueryRowContext(ctx, query, id))
}

// GetMessageByExternalRef retrieves a message by the provider's message id
func (s *SQLiteStore) GetMessageByExternalRef(ctx context.Context, ref string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE external_ref = ?`
	return scanMessage(s.db.QueryRowContext(ctx, query, ref))
}

// UpdateMessageState writes status, delivery timestamps, reactions and external_ref
func (s *SQLiteStore) UpdateMessageState(ctx context.Context, m *Message) error {
	reactions, err := marshalJSON(m.Reactions)
	if err != nil {
		return fmt.Errorf("encoding reactions: %w", err)
	}

	query := `
		UPDATE messages
		SET status = ?, sent_at = ?, delivered_at = ?, read_at = ?, reactions_json = ?, external_ref = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(m.Status),
		formatTimePtr(m.SentAt),
		formatTimePtr(m.DeliveredAt),
		formatTimePtr(m.ReadAt),
		reactions,
		m.ExternalRef,
		m.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("updating message: %w", err)
	}
	return requireAffected(result)
}

// ListMessages returns the most recent limit messages of a conversation in
// chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT * FROM (
			SELECT ` + messageColumns + `, rowid AS seq FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var seq int64
		m, err := scanMessageWith(rows, &seq)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

// CountMessagesSince counts outgoing and incoming messages created at or after since
func (s *SQLiteStore) CountMessagesSince(ctx context.Context, conversationID string, since time.Time) (sent, received int, err error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN direction = 'outgoing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = 'incoming' THEN 1 ELSE 0 END), 0)
		FROM messages
		WHERE conversation_id = ? AND created_at >= ?
	`
	err = s.db.QueryRowContext(ctx, query, conversationID, formatTime(since)).Scan(&sent, &received)
	if err != nil {
		return 0, 0, fmt.Errorf("counting messages: %w", err)
	}
	return sent, received, nil
}

// CountIncoming reports how many incoming messages a conversation has
func (s *SQLiteStore) CountIncoming(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND direction = 'incoming'`,
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting incoming messages: %w", err)
	}
	return n, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	return scanMessageWith(row)
}

func scanMessageWith(row rowScanner, extra ...any) (*Message, error) {
	m := &Message{}
	var direction, status, createdAt string
	var media, reactions, sentAt, deliveredAt, readAt sql.NullString
	var automated int

	dest := []any{
		&m.ID,
		&m.ConversationID,
		&direction,
		&m.Content,
		&media,
		&m.ExternalRef,
		&status,
		&m.SenderID,
		&automated,
		&sentAt,
		&deliveredAt,
		&readAt,
		&m.ReplyToRef,
		&reactions,
		&createdAt,
	}
	err := row.Scan(append(dest, extra...)...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	m.Direction = Direction(direction)
	m.Status = MessageStatus(status)
	m.Automated = automated == 1

	if media.Valid {
		m.Media = &Media{}
		if err := unmarshalJSON(media, m.Media); err != nil {
			return nil, fmt.Errorf("decoding media: %w", err)
		}
	}
	if err := unmarshalJSON(reactions, &m.Reactions); err != nil {
		return nil, fmt.Errorf("decoding reactions: %w", err)
	}
	if m.SentAt, err = parseTimePtr(sentAt); err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}
	if m.DeliveredAt, err = parseTimePtr(deliveredAt); err != nil {
		return nil, fmt.Errorf("parsing delivered_at: %w", err)
	}
	if m.ReadAt, err = parseTimePtr(readAt); err != nil {
		return nil, fmt.Errorf("parsing read_at: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return m, nil
}
