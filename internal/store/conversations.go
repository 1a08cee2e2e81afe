// ABOUTME: Conversation persistence: create, lookup, update, welcome claim and notes
// ABOUTME: Conversations are unique per (counterparty, channel) and reopened rather than recreated

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const conversationColumns = `
	id, counterparty_id, channel_ref, contact_ref, display_name, status,
	assignee_kind, assignee_id, last_message_at, last_opened_at, welcome_sent,
	tags_json, created_at, updated_at
`

// CreateConversation inserts a new conversation.
// Returns ErrDuplicate if the (counterparty, channel) pair already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	tags, err := marshalJSON(c.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	if c.Assignee.Kind == "" {
		c.Assignee = Unassigned()
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.CounterpartyID,
		c.ChannelRef,
		c.ContactRef,
		c.DisplayName,
		string(c.Status),
		string(c.Assignee.Kind),
		assigneeID(c.Assignee),
		formatTime(c.LastMessageAt),
		formatTime(c.LastOpenedAt),
		boolToInt(c.WelcomeSent),
		tags,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation",
		"conversation_id", c.ID,
		"counterparty_id", c.CounterpartyID,
		"channel", c.ChannelRef,
	)
	return nil
}

// GetConversation retrieves a conversation with its notes
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if c.Notes, err = s.listNotes(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversationByCounterparty looks a conversation up by its natural key
func (s *SQLiteStore) GetConversationByCounterparty(ctx context.Context, counterpartyID, channelRef string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE counterparty_id = ? AND channel_ref = ?`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, counterpartyID, channelRef))
	if err != nil {
		return nil, err
	}
	if c.Notes, err = s.listNotes(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateConversation writes the mutable fields of a conversation back.
// welcome_sent is not written here; it only changes through ClaimWelcome.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *Conversation) error {
	tags, err := marshalJSON(c.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	query := `
		UPDATE conversations
		SET contact_ref = ?, display_name = ?, status = ?, assignee_kind = ?, assignee_id = ?,
		    last_message_at = ?, last_opened_at = ?, tags_json = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		c.ContactRef,
		c.DisplayName,
		string(c.Status),
		string(c.Assignee.Kind),
		assigneeID(c.Assignee),
		formatTime(c.LastMessageAt),
		formatTime(c.LastOpenedAt),
		tags,
		formatTime(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	return requireAffected(result)
}

// ClaimWelcome marks the welcome as sent and hands the conversation to the
// assistant, but only if no one has claimed it yet and no operator holds it.
// Returns true when this caller won the claim.
func (s *SQLiteStore) ClaimWelcome(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET welcome_sent = 1, status = ?, assignee_kind = ?, assignee_id = NULL, updated_at = ?
		WHERE id = ? AND welcome_sent = 0 AND assignee_kind <> ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(ConversationAssigned),
		string(AssigneeAssistant),
		formatTime(at),
		id,
		string(AssigneeHuman),
	)
	if err != nil {
		return false, fmt.Errorf("claiming welcome: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// Distinguish "already claimed" from "no such conversation"
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking conversation: %w", err)
	}
	return false, nil
}

// TouchConversation bumps last_message_at
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return requireAffected(result)
}

// ListConversations returns conversations ordered by most recent activity.
// Notes are not loaded for list results.
func (s *SQLiteStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AssigneeKind != "" {
		where = append(where, "assignee_kind = ?")
		args = append(args, string(f.AssigneeKind))
	}
	if f.OperatorID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, f.OperatorID)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_message_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return out, nil
}

// AddNote appends an operator note to a conversation
func (s *SQLiteStore) AddNote(ctx context.Context, n *Note) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_notes (id, conversation_id, operator_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.ConversationID, n.OperatorID, n.Text, formatTime(n.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return ErrNotFound
		}
		return fmt.Errorf("inserting note: %w", err)
	}
	return nil
}

func (s *SQLiteStore) listNotes(ctx context.Context, conversationID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, operator_id, text, created_at
		FROM conversation_notes
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var createdAt string
		if err := rows.Scan(&n.ID, &n.ConversationID, &n.OperatorID, &n.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning note: %w", err)
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing note created_at: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	c := &Conversation{}
	var status, kind string
	var assignee, tags sql.NullString
	var lastMessageAt, lastOpenedAt, createdAt, updatedAt string
	var welcome int

	err := row.Scan(
		&c.ID,
		&c.CounterpartyID,
		&c.ChannelRef,
		&c.ContactRef,
		&c.DisplayName,
		&status,
		&kind,
		&assignee,
		&lastMessageAt,
		&lastOpenedAt,
		&welcome,
		&tags,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.Status = ConversationStatus(status)
	c.Assignee = Assignee{Kind: AssigneeKind(kind), OperatorID: assignee.String}
	c.WelcomeSent = welcome == 1
	if err := unmarshalJSON(tags, &c.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}

	for _, ts := range []struct {
		dst *time.Time
		src string
	}{
		{&c.LastMessageAt, lastMessageAt},
		{&c.LastOpenedAt, lastOpenedAt},
		{&c.CreatedAt, createdAt},
		{&c.UpdatedAt, updatedAt},
	} {
		if *ts.dst, err = parseTime(ts.src); err != nil {
			return nil, fmt.Errorf("parsing conversation timestamp: %w", err)
		}
	}
	return c, nil
}

func assigneeID(a Assignee) any {
	if a.Kind != AssigneeHuman {
		return nil
	}
	return a.OperatorID
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
