// ABOUTME: Operator roster, per-operator notification preferences and push subscriptions
// ABOUTME: Preferences fall back to defaults until an operator saves their own

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CreateOperator inserts an operator. Returns ErrDuplicate if the ID exists.
func (s *SQLiteStore) CreateOperator(ctx context.Context, o *Operator) error {
	caps, err := marshalJSON(o.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	if o.Kind == "" {
		o.Kind = OperatorHuman
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operators (id, display_name, email, kind, active, capabilities_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.DisplayName, o.Email, string(o.Kind), boolToInt(o.Active), caps, formatTime(o.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting operator: %w", err)
	}
	return nil
}

// UpdateOperator writes display name, email, active flag and capabilities
func (s *SQLiteStore) UpdateOperator(ctx context.Context, o *Operator) error {
	caps, err := marshalJSON(o.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE operators SET display_name = ?, email = ?, active = ?, capabilities_json = ?
		WHERE id = ?
	`, o.DisplayName, o.Email, boolToInt(o.Active), caps, o.ID)
	if err != nil {
		return fmt.Errorf("updating operator: %w", err)
	}
	return requireAffected(result)
}

// GetOperator retrieves an operator by ID
func (s *SQLiteStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, kind, active, capabilities_json, created_at
		FROM operators WHERE id = ?
	`, id)
	return scanOperator(row)
}

// ListOperators returns every operator, including inactive ones and the assistant
func (s *SQLiteStore) ListOperators(ctx context.Context) ([]*Operator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, kind, active, capabilities_json, created_at
		FROM operators ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying operators: %w", err)
	}
	defer rows.Close()

	var out []*Operator
	for rows.Next() {
		o, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operators: %w", err)
	}
	return out, nil
}

func scanOperator(row rowScanner) (*Operator, error) {
	o := &Operator{}
	var kind, createdAt string
	var active int
	var caps sql.NullString
	err := row.Scan(&o.ID, &o.DisplayName, &o.Email, &kind, &active, &caps, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning operator: %w", err)
	}
	o.Kind = OperatorKind(kind)
	o.Active = active == 1
	if err := unmarshalJSON(caps, &o.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return o, nil
}

// GetPreferences returns an operator's notification preferences or the defaults
func (s *SQLiteStore) GetPreferences(ctx context.Context, operatorID string) (Preferences, error) {
	p := Preferences{OperatorID: operatorID}
	var enabled, all, mine, unassigned, escalation int
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, message_all, message_assigned_to_me, message_unassigned, escalation
		FROM operator_preferences WHERE operator_id = ?
	`, operatorID).Scan(&enabled, &all, &mine, &unassigned, &escalation)
	if err == sql.ErrNoRows {
		return DefaultPreferences(operatorID), nil
	}
	if err != nil {
		return p, fmt.Errorf("querying preferences: %w", err)
	}
	p.Enabled = enabled == 1
	p.MessageAll = all == 1
	p.MessageAssignedToMe = mine == 1
	p.MessageUnassigned = unassigned == 1
	p.Escalation = escalation == 1
	return p, nil
}

// SavePreferences upserts an operator's notification preferences
func (s *SQLiteStore) SavePreferences(ctx context.Context, p Preferences) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operator_preferences (
			operator_id, enabled, message_all, message_assigned_to_me, message_unassigned, escalation
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(operator_id) DO UPDATE SET
			enabled = excluded.enabled,
			message_all = excluded.message_all,
			message_assigned_to_me = excluded.message_assigned_to_me,
			message_unassigned = excluded.message_unassigned,
			escalation = excluded.escalation
	`, p.OperatorID, boolToInt(p.Enabled), boolToInt(p.MessageAll),
		boolToInt(p.MessageAssignedToMe), boolToInt(p.MessageUnassigned), boolToInt(p.Escalation))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return ErrNotFound
		}
		return fmt.Errorf("saving preferences: %w", err)
	}
	return nil
}

// AddPushSubscription registers an offline endpoint. Re-registering the same
// endpoint refreshes its keys instead of duplicating it.
func (s *SQLiteStore) AddPushSubscription(ctx context.Context, sub *PushSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, operator_id, kind, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operator_id, endpoint) DO UPDATE SET
			kind = excluded.kind,
			p256dh = excluded.p256dh,
			auth = excluded.auth
	`, sub.ID, sub.OperatorID, string(sub.Kind), sub.Endpoint, sub.P256dh, sub.Auth, formatTime(sub.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return ErrNotFound
		}
		return fmt.Errorf("inserting push subscription: %w", err)
	}
	return nil
}

// ListPushSubscriptions returns every endpoint registered by an operator
func (s *SQLiteStore) ListPushSubscriptions(ctx context.Context, operatorID string) ([]*PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operator_id, kind, endpoint, p256dh, auth, created_at
		FROM push_subscriptions WHERE operator_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("querying push subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*PushSubscription
	for rows.Next() {
		sub := &PushSubscription{}
		var kind, createdAt string
		var p256dh, auth sql.NullString
		if err := rows.Scan(&sub.ID, &sub.OperatorID, &kind, &sub.Endpoint, &p256dh, &auth, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning push subscription: %w", err)
		}
		sub.Kind = PushKind(kind)
		sub.P256dh = p256dh.String
		sub.Auth = auth.String
		if sub.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating push subscriptions: %w", err)
	}
	return out, nil
}

// DeletePushSubscription removes an operator's endpoint.
// Returns ErrNotFound if it does not exist or belongs to someone else.
func (s *SQLiteStore) DeletePushSubscription(ctx context.Context, operatorID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE id = ? AND operator_id = ?`,
		id, operatorID,
	)
	if err != nil {
		return fmt.Errorf("deleting push subscription: %w", err)
	}
	return requireAffected(result)
}
