// ABOUTME: Data types and sentinel errors for switchboard persistence
// ABOUTME: Defines Conversation, Message, ConversationEvent, Notification and Operator records

package store

import (
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique key (counterparty+channel, external ref) is already taken
var ErrDuplicate = errors.New("already exists")

// ErrValidation wraps rejected input such as an illegal transition target
var ErrValidation = errors.New("validation failed")

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationAssigned ConversationStatus = "assigned"
	ConversationClosed   ConversationStatus = "closed"
)

// AssigneeKind tags the Assignee variant
type AssigneeKind string

const (
	AssigneeUnassigned AssigneeKind = "unassigned"
	AssigneeAssistant  AssigneeKind = "assistant"
	AssigneeHuman      AssigneeKind = "human"
)

// Assignee is who currently owns a conversation: a human operator, the
// automated assistant, or nobody. OperatorID is only set for AssigneeHuman.
type Assignee struct {
	Kind       AssigneeKind
	OperatorID string
}

// Unassigned returns the empty assignee.
func Unassigned() Assignee { return Assignee{Kind: AssigneeUnassigned} }

// Assistant returns the assignee representing the automated responder.
func Assistant() Assignee { return Assignee{Kind: AssigneeAssistant} }

// Human returns an assignee for the given operator.
func Human(operatorID string) Assignee {
	return Assignee{Kind: AssigneeHuman, OperatorID: operatorID}
}

// IsUnassigned treats the zero value as unassigned.
func (a Assignee) IsUnassigned() bool {
	return a.Kind == AssigneeUnassigned || a.Kind == ""
}

func (a Assignee) IsAssistant() bool { return a.Kind == AssigneeAssistant }

func (a Assignee) IsHuman() bool { return a.Kind == AssigneeHuman && a.OperatorID != "" }

// String renders the assignee for logs and API payloads.
func (a Assignee) String() string {
	switch {
	case a.IsHuman():
		return "human:" + a.OperatorID
	case a.IsAssistant():
		return string(AssigneeAssistant)
	default:
		return string(AssigneeUnassigned)
	}
}

// Note is an internal operator annotation on a conversation
type Note struct {
	ID             string
	ConversationID string
	OperatorID     string
	Text           string
	CreatedAt      time.Time
}

// Conversation links a counterparty on a channel to its current owner.
// A conversation is reopened rather than recreated, so the row persists
// across many open/close cycles.
type Conversation struct {
	ID             string
	CounterpartyID string
	ChannelRef     string
	ContactRef     *string
	DisplayName    *string
	Status         ConversationStatus
	Assignee       Assignee
	LastMessageAt  time.Time
	LastOpenedAt   time.Time
	WelcomeSent    bool
	Notes          []Note
	Tags           map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConversationFilter narrows ListConversations
type ConversationFilter struct {
	Status       ConversationStatus // empty = any
	AssigneeKind AssigneeKind       // empty = any
	OperatorID   string             // only with AssigneeHuman
	Limit        int                // defaults to 100
}

// Direction of a message relative to the customer
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionInternal Direction = "internal"
)

// MessageStatus is the delivery state of a message
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusReceived  MessageStatus = "received"
	StatusNote      MessageStatus = "note"
)

// Media describes an attachment carried by a message
type Media struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// Reaction is a single emoji reaction; at most one per sender
type Reaction struct {
	SenderID  string    `json:"sender_id"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is one entry in a conversation log. Content and Media never change
// after creation; Status, timestamps, Reactions and ExternalRef do.
type Message struct {
	ID             string
	ConversationID string
	Direction      Direction
	Content        *string
	Media          *Media
	ExternalRef    *string
	Status         MessageStatus
	SenderID       *string // operator id for outgoing/internal messages
	Automated      bool    // produced by the assistant
	SentAt         *time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	ReplyToRef     *string
	Reactions      []Reaction
	CreatedAt      time.Time
}

// Text returns the content or an empty string for media-only messages.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// SetReaction applies a reaction from sender. An empty emoji removes the
// sender's reaction. Returns false when nothing changed.
func (m *Message) SetReaction(senderID, emoji string, at time.Time) bool {
	idx := slices.IndexFunc(m.Reactions, func(r Reaction) bool { return r.SenderID == senderID })
	if emoji == "" {
		if idx < 0 {
			return false
		}
		m.Reactions = slices.Delete(m.Reactions, idx, idx+1)
		return true
	}
	if idx >= 0 {
		if m.Reactions[idx].Emoji == emoji {
			return false
		}
		m.Reactions[idx] = Reaction{SenderID: senderID, Emoji: emoji, Timestamp: at}
		return true
	}
	m.Reactions = append(m.Reactions, Reaction{SenderID: senderID, Emoji: emoji, Timestamp: at})
	return true
}

// EventType categorizes a conversation ledger entry
type EventType string

const (
	EventOpened                EventType = "opened"
	EventClosed                EventType = "closed"
	EventReopenedAutomatically EventType = "reopened_automatically"
	EventAssigned              EventType = "assigned"
)

// ConversationEvent is an immutable lifecycle ledger entry.
// Close metrics are only populated for EventClosed.
type ConversationEvent struct {
	ID               string
	ConversationID   string
	Type             EventType
	Timestamp        time.Time
	OperatorID       *string // nil for automatic transitions
	Assignee         *string // EventAssigned only
	DurationOpenMs   *int64
	MessagesSent     *int
	MessagesReceived *int
	Reason           *string
	Note             *string
}

// NotificationRef points a notification at the record it concerns
type NotificationRef struct {
	Model string
	ID    string
}

// Notification is a persisted operator notification
type Notification struct {
	ID          string
	RecipientID string
	Type        string
	Title       string
	Content     string
	Reference   NotificationRef
	Link        string
	IsRead      bool
	IsArchived  bool
	CreatedAt   time.Time
}

// NotificationFilter narrows ListNotifications
type NotificationFilter struct {
	UnreadOnly      bool
	IncludeArchived bool
	Limit           int
}

// OperatorKind distinguishes human operators from the synthetic assistant identity
type OperatorKind string

const (
	OperatorHuman     OperatorKind = "human"
	OperatorAssistant OperatorKind = "assistant"
)

// CapabilityConversationAccess lets an operator read and answer conversations
const CapabilityConversationAccess = "conversations.access"

// CapabilitySettings lets an operator edit hand-off keywords
const CapabilitySettings = "settings.manage"

// Operator is a dashboard account
type Operator struct {
	ID           string
	DisplayName  string
	Email        string
	Kind         OperatorKind
	Active       bool
	Capabilities []string
	CreatedAt    time.Time
}

// Can reports whether the operator holds capability.
func (o *Operator) Can(capability string) bool {
	return slices.Contains(o.Capabilities, capability)
}

// Preferences controls which notifications an operator receives
type Preferences struct {
	OperatorID          string `json:"-"`
	Enabled             bool   `json:"enabled"`
	MessageAll          bool   `json:"message_all"`
	MessageAssignedToMe bool   `json:"message_assigned_to_me"`
	MessageUnassigned   bool   `json:"message_unassigned"`
	Escalation          bool   `json:"escalation"`
}

// DefaultPreferences is what an operator gets before saving any preferences.
func DefaultPreferences(operatorID string) Preferences {
	return Preferences{
		OperatorID:          operatorID,
		Enabled:             true,
		MessageAssignedToMe: true,
		MessageUnassigned:   true,
		Escalation:          true,
	}
}

// PushKind is the offline push provider for a subscription
type PushKind string

const (
	PushWebPush PushKind = "webpush"
	PushSlack   PushKind = "slack"
	PushDiscord PushKind = "discord"
)

// PushSubscription is one registered offline endpoint for an operator
type PushSubscription struct {
	ID         string
	OperatorID string
	Kind       PushKind
	Endpoint   string
	P256dh     string // webpush only
	Auth       string // webpush only
	CreatedAt  time.Time
}
