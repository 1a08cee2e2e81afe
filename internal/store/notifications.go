// ABOUTME: Operator notification rows: create, list, read and archive scoped to the recipient
// ABOUTME: Also provides the retention delete used by the nightly sweep

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateNotification persists a notification
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, recipient_id, type, title, content, ref_model, ref_id, link,
			is_read, is_archived, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.RecipientID,
		n.Type,
		n.Title,
		n.Content,
		n.Reference.Model,
		n.Reference.ID,
		n.Link,
		boolToInt(n.IsRead),
		boolToInt(n.IsArchived),
		formatTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// ListNotifications returns a recipient's notifications, newest first
func (s *SQLiteStore) ListNotifications(ctx context.Context, recipientID string, f NotificationFilter) ([]*Notification, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, recipient_id, type, title, content, ref_model, ref_id, link,
		       is_read, is_archived, created_at
		FROM notifications
		WHERE recipient_id = ?
	`
	if f.UnreadOnly {
		query += " AND is_read = 0"
	}
	if !f.IncludeArchived {
		query += " AND is_archived = 0"
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var isRead, isArchived int
		var createdAt string
		if err := rows.Scan(
			&n.ID,
			&n.RecipientID,
			&n.Type,
			&n.Title,
			&n.Content,
			&n.Reference.Model,
			&n.Reference.ID,
			&n.Link,
			&isRead,
			&isArchived,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.IsRead = isRead == 1
		n.IsArchived = isArchived == 1
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notifications: %w", err)
	}
	return out, nil
}

// CountUnreadNotifications returns the unread, unarchived count for a recipient
func (s *SQLiteStore) CountUnreadNotifications(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0 AND is_archived = 0`,
		recipientID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting notifications: %w", err)
	}
	return n, nil
}

// MarkNotificationRead marks one notification read.
// Returns ErrNotFound if it does not exist or belongs to someone else.
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ? AND recipient_id = ?`,
		id, recipientID,
	)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	return requireAffected(result)
}

// MarkAllNotificationsRead marks every unread notification of a recipient read
func (s *SQLiteStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE recipient_id = ? AND is_read = 0`,
		recipientID,
	)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	return result.RowsAffected()
}

// ArchiveNotification archives one notification owned by the recipient
func (s *SQLiteStore) ArchiveNotification(ctx context.Context, recipientID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_archived = 1, is_read = 1 WHERE id = ? AND recipient_id = ?`,
		id, recipientID,
	)
	if err != nil {
		return fmt.Errorf("archiving notification: %w", err)
	}
	return requireAffected(result)
}

// DeleteArchivedNotificationsBefore removes archived notifications created before cutoff
func (s *SQLiteStore) DeleteArchivedNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE is_archived = 1 AND created_at < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting archived notifications: %w", err)
	}
	return result.RowsAffected()
}

// GetNotification retrieves a notification owned by recipient
func (s *SQLiteStore) GetNotification(ctx context.Context, recipientID, id string) (*Notification, error) {
	n := &Notification{}
	var isRead, isArchived int
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, recipient_id, type, title, content, ref_model, ref_id, link,
		       is_read, is_archived, created_at
		FROM notifications WHERE id = ? AND recipient_id = ?
	`, id, recipientID).Scan(
		&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Content,
		&n.Reference.Model, &n.Reference.ID, &n.Link,
		&isRead, &isArchived, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying notification: %w", err)
	}
	n.IsRead = isRead == 1
	n.IsArchived = isArchived == 1
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return n, nil
}
