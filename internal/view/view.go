// ABOUTME: JSON shapes of records sent to operators over HTTP and the realtime stream
// ABOUTME: Times are RFC 3339 strings; optional fields are omitted when unset

package view

import (
	"time"

	"github.com/samber/lo"

	"github.com/2389/switchboard/internal/store"
)

// NoteResponse is one internal note
type NoteResponse struct {
	ID         string `json:"id"`
	OperatorID string `json:"operator_id"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at"`
}

// ConversationResponse is a conversation as operators see it
type ConversationResponse struct {
	ID             string            `json:"id"`
	CounterpartyID string            `json:"counterparty_id"`
	ChannelRef     string            `json:"channel"`
	ContactRef     *string           `json:"contact_ref,omitempty"`
	DisplayName    *string           `json:"display_name,omitempty"`
	Status         string            `json:"status"`
	AssigneeKind   string            `json:"assignee_kind"`
	AssigneeID     string            `json:"assignee_id,omitempty"`
	LastMessageAt  string            `json:"last_message_at"`
	LastOpenedAt   string            `json:"last_opened_at"`
	WelcomeSent    bool              `json:"welcome_sent"`
	Notes          []NoteResponse    `json:"notes,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// MessageResponse is one message of a conversation log
type MessageResponse struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Direction      string           `json:"direction"`
	Content        *string          `json:"content,omitempty"`
	Media          *store.Media     `json:"media,omitempty"`
	ExternalRef    *string          `json:"external_ref,omitempty"`
	Status         string           `json:"status"`
	SenderID       *string          `json:"sender_id,omitempty"`
	Automated      bool             `json:"automated"`
	SentAt         *string          `json:"sent_at,omitempty"`
	DeliveredAt    *string          `json:"delivered_at,omitempty"`
	ReadAt         *string          `json:"read_at,omitempty"`
	ReplyToRef     *string          `json:"reply_to,omitempty"`
	Reactions      []store.Reaction `json:"reactions,omitempty"`
	CreatedAt      string           `json:"created_at"`
}

// EventResponse is one ledger entry
type EventResponse struct {
	ID               string  `json:"id"`
	Type             string  `json:"type"`
	Timestamp        string  `json:"timestamp"`
	OperatorID       *string `json:"operator_id"`
	Assignee         *string `json:"assignee,omitempty"`
	DurationOpenMs   *int64  `json:"duration_open_ms,omitempty"`
	MessagesSent     *int    `json:"messages_sent,omitempty"`
	MessagesReceived *int    `json:"messages_received,omitempty"`
	Reason           *string `json:"reason,omitempty"`
	Note             *string `json:"note,omitempty"`
}

// NotificationResponse is one operator notification
type NotificationResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	RefModel  string `json:"reference_model"`
	RefID     string `json:"reference_id"`
	Link      string `json:"link"`
	IsRead    bool   `json:"is_read"`
	Archived  bool   `json:"is_archived"`
	CreatedAt string `json:"created_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return lo.ToPtr(formatTime(*t))
}

// Note converts a store record
func Note(n store.Note) NoteResponse {
	return NoteResponse{ID: n.ID, OperatorID: n.OperatorID, Text: n.Text, CreatedAt: formatTime(n.CreatedAt)}
}

// Conversation converts a store record
func Conversation(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:             c.ID,
		CounterpartyID: c.CounterpartyID,
		ChannelRef:     c.ChannelRef,
		ContactRef:     c.ContactRef,
		DisplayName:    c.DisplayName,
		Status:         string(c.Status),
		AssigneeKind:   string(lo.Ternary(c.Assignee.Kind == "", store.AssigneeUnassigned, c.Assignee.Kind)),
		AssigneeID:     c.Assignee.OperatorID,
		LastMessageAt:  formatTime(c.LastMessageAt),
		LastOpenedAt:   formatTime(c.LastOpenedAt),
		WelcomeSent:    c.WelcomeSent,
		Notes: lo.Map(c.Notes, func(n store.Note, _ int) NoteResponse {
			return Note(n)
		}),
		Tags:      c.Tags,
		CreatedAt: formatTime(c.CreatedAt),
	}
}

// Conversations converts a list
func Conversations(cs []*store.Conversation) []ConversationResponse {
	return lo.Map(cs, func(c *store.Conversation, _ int) ConversationResponse { return Conversation(c) })
}

// Message converts a store record
func Message(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Direction:      string(m.Direction),
		Content:        m.Content,
		Media:          m.Media,
		ExternalRef:    m.ExternalRef,
		Status:         string(m.Status),
		SenderID:       m.SenderID,
		Automated:      m.Automated,
		SentAt:         formatTimePtr(m.SentAt),
		DeliveredAt:    formatTimePtr(m.DeliveredAt),
		ReadAt:         formatTimePtr(m.ReadAt),
		ReplyToRef:     m.ReplyToRef,
		Reactions:      m.Reactions,
		CreatedAt:      formatTime(m.CreatedAt),
	}
}

// Messages converts a list
func Messages(ms []*store.Message) []MessageResponse {
	return lo.Map(ms, func(m *store.Message, _ int) MessageResponse { return Message(m) })
}

// Events converts a ledger
func Events(es []*store.ConversationEvent) []EventResponse {
	return lo.Map(es, func(e *store.ConversationEvent, _ int) EventResponse {
		return EventResponse{
			ID:               e.ID,
			Type:             string(e.Type),
			Timestamp:        formatTime(e.Timestamp),
			OperatorID:       e.OperatorID,
			Assignee:         e.Assignee,
			DurationOpenMs:   e.DurationOpenMs,
			MessagesSent:     e.MessagesSent,
			MessagesReceived: e.MessagesReceived,
			Reason:           e.Reason,
			Note:             e.Note,
		}
	})
}

// Notification converts a store record
func Notification(n *store.Notification) NotificationResponse {
	return NotificationResponse{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Content:   n.Content,
		RefModel:  n.Reference.Model,
		RefID:     n.Reference.ID,
		Link:      n.Link,
		IsRead:    n.IsRead,
		Archived:  n.IsArchived,
		CreatedAt: formatTime(n.CreatedAt),
	}
}

// Notifications converts a list
func Notifications(ns []*store.Notification) []NotificationResponse {
	return lo.Map(ns, func(n *store.Notification, _ int) NotificationResponse { return Notification(n) })
}
