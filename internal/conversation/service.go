// ABOUTME: Conversation lifecycle state machine (open, assigned, closed) with an append-only ledger
// ABOUTME: Every transition is persisted first, then recorded as an event, then published on the bus

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/store"
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationByCounterparty(ctx context.Context, counterpartyID, channelRef string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, c *store.Conversation) error
	ClaimWelcome(ctx context.Context, id string, at time.Time) (bool, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	ListConversations(ctx context.Context, f store.ConversationFilter) ([]*store.Conversation, error)
	AddNote(ctx context.Context, n *store.Note) error

	AppendEvent(ctx context.Context, e *store.ConversationEvent) error
	ListEvents(ctx context.Context, conversationID string) ([]*store.ConversationEvent, error)
	ListClosedEvents(ctx context.Context, conversationID string, limit int) ([]*store.ConversationEvent, error)

	CountMessagesSince(ctx context.Context, conversationID string, since time.Time) (sent, received int, err error)
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns every conversation state transition.
type Service struct {
	store  ConversationStore
	bus    bus.Publisher
	now    func() time.Time
	logger *slog.Logger
}

// New creates a new conversation service. publisher may be nil.
func New(st ConversationStore, publisher bus.Publisher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  st,
		bus:    publisher,
		now:    time.Now,
		logger: logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a conversation by id
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// List returns conversations matching the filter
func (s *Service) List(ctx context.Context, f store.ConversationFilter) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, f)
}

// Events returns the ledger of a conversation, oldest first
func (s *Service) Events(ctx context.Context, id string) ([]*store.ConversationEvent, error) {
	if _, err := s.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// FindOrCreate returns the conversation for a counterparty on a channel,
// creating an open one if none exists. created reports whether this call
// inserted it.
func (s *Service) FindOrCreate(ctx context.Context, counterpartyID, channelRef string, displayName *string) (conv *store.Conversation, created bool, err error) {
	if strings.TrimSpace(counterpartyID) == "" || strings.TrimSpace(channelRef) == "" {
		return nil, false, fmt.Errorf("%w: counterparty and channel are required", store.ErrValidation)
	}

	conv, err = s.store.GetConversationByCounterparty(ctx, counterpartyID, channelRef)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := s.now().UTC()
	conv = &store.Conversation{
		ID:             uuid.New().String(),
		CounterpartyID: counterpartyID,
		ChannelRef:     channelRef,
		DisplayName:    displayName,
		Status:         store.ConversationOpen,
		Assignee:       store.Unassigned(),
		LastMessageAt:  now,
		LastOpenedAt:   now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Another handler may have created it between our lookup and insert
		if errors.Is(err, store.ErrDuplicate) {
			existing, lookupErr := s.store.GetConversationByCounterparty(ctx, counterpartyID, channelRef)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, false, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, false, err
	}

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"counterparty_id", counterpartyID,
		"channel", channelRef)
	s.publish(ctx, conv)
	return conv, true, nil
}

// AssignTo hands the conversation to a human operator or the assistant.
// Assigning a closed conversation reopens it first so close metrics stay
// scoped to one open period.
func (s *Service) AssignTo(ctx context.Context, id string, assignee store.Assignee, operatorID *string) (*store.Conversation, error) {
	switch assignee.Kind {
	case store.AssigneeHuman:
		if assignee.OperatorID == "" {
			return nil, fmt.Errorf("%w: human assignee needs an operator id", store.ErrValidation)
		}
	case store.AssigneeAssistant:
		assignee.OperatorID = ""
	default:
		return nil, fmt.Errorf("%w: cannot assign to %s", store.ErrValidation, assignee)
	}

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.ConversationAssigned && conv.Assignee == assignee {
		return conv, nil
	}

	now := s.now().UTC()
	wasClosed := conv.Status == store.ConversationClosed
	if wasClosed {
		conv.LastOpenedAt = now
	}
	conv.Status = store.ConversationAssigned
	conv.Assignee = assignee
	conv.UpdatedAt = now
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("saving assignment: %w", err)
	}

	if wasClosed {
		s.appendEvent(ctx, &store.ConversationEvent{
			ConversationID: id,
			Type:           store.EventOpened,
			Timestamp:      now,
			OperatorID:     operatorID,
		})
	}
	label := assignee.String()
	s.appendEvent(ctx, &store.ConversationEvent{
		ConversationID: id,
		Type:           store.EventAssigned,
		Timestamp:      now,
		OperatorID:     operatorID,
		Assignee:       &label,
	})

	s.logger.Info("conversation assigned", "conversation_id", id, "assignee", label)
	s.publish(ctx, conv)
	return conv, nil
}

// Unassign returns an assigned conversation to the open queue
func (s *Service) Unassign(ctx context.Context, id string, operatorID *string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.ConversationAssigned {
		s.logger.Warn("unassign ignored", "conversation_id", id, "status", conv.Status)
		return conv, nil
	}

	now := s.now().UTC()
	conv.Status = store.ConversationOpen
	conv.Assignee = store.Unassigned()
	conv.UpdatedAt = now
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("saving unassignment: %w", err)
	}

	label := conv.Assignee.String()
	s.appendEvent(ctx, &store.ConversationEvent{
		ConversationID: id,
		Type:           store.EventAssigned,
		Timestamp:      now,
		OperatorID:     operatorID,
		Assignee:       &label,
	})
	s.publish(ctx, conv)
	return conv, nil
}

// Close ends the current open period. Closing an already closed conversation
// changes nothing and records no event; changed reports which case applied.
func (s *Service) Close(ctx context.Context, id string, operatorID, reason, note *string) (conv *store.Conversation, changed bool, err error) {
	conv, err = s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if conv.Status == store.ConversationClosed {
		s.logger.Warn("close ignored: conversation already closed", "conversation_id", id)
		return conv, false, nil
	}

	now := s.now().UTC()
	durationMs := now.Sub(conv.LastOpenedAt).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	sent, received, err := s.store.CountMessagesSince(ctx, id, conv.LastOpenedAt)
	if err != nil {
		return nil, false, fmt.Errorf("counting messages: %w", err)
	}

	conv.Status = store.ConversationClosed
	conv.Assignee = store.Unassigned()
	conv.UpdatedAt = now
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("saving close: %w", err)
	}

	s.appendEvent(ctx, &store.ConversationEvent{
		ConversationID:   id,
		Type:             store.EventClosed,
		Timestamp:        now,
		OperatorID:       operatorID,
		DurationOpenMs:   &durationMs,
		MessagesSent:     &sent,
		MessagesReceived: &received,
		Reason:           reason,
		Note:             note,
	})

	s.logger.Info("conversation closed",
		"conversation_id", id,
		"duration_open_ms", durationMs,
		"messages_sent", sent,
		"messages_received", received)
	s.publish(ctx, conv)
	return conv, true, nil
}

// Reopen starts a new open period on a closed conversation on behalf of an
// operator. No-op unless the conversation is closed.
func (s *Service) Reopen(ctx context.Context, id, operatorID string) (*store.Conversation, bool, error) {
	if operatorID == "" {
		return nil, false, fmt.Errorf("%w: operator is required", store.ErrValidation)
	}
	return s.reopen(ctx, id, &operatorID, store.EventOpened)
}

// AutomaticReopen is Reopen without an operator, used when a customer writes
// to a closed conversation. Must run before the inbound message is appended.
func (s *Service) AutomaticReopen(ctx context.Context, id string) (*store.Conversation, bool, error) {
	return s.reopen(ctx, id, nil, store.EventReopenedAutomatically)
}

func (s *Service) reopen(ctx context.Context, id string, operatorID *string, eventType store.EventType) (*store.Conversation, bool, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if conv.Status != store.ConversationClosed {
		return conv, false, nil
	}

	now := s.now().UTC()
	conv.Status = store.ConversationOpen
	conv.Assignee = store.Unassigned()
	conv.LastOpenedAt = now
	conv.UpdatedAt = now
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("saving reopen: %w", err)
	}

	s.appendEvent(ctx, &store.ConversationEvent{
		ConversationID: id,
		Type:           eventType,
		Timestamp:      now,
		OperatorID:     operatorID,
	})

	s.logger.Info("conversation reopened", "conversation_id", id, "type", eventType)
	s.publish(ctx, conv)
	return conv, true, nil
}

// ClaimWelcome atomically marks the welcome as sent and assigns the
// conversation to the assistant. Only one caller per conversation wins, and
// never while an operator holds the conversation.
func (s *Service) ClaimWelcome(ctx context.Context, id string) (bool, error) {
	before, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return false, err
	}

	now := s.now().UTC()
	won, err := s.store.ClaimWelcome(ctx, id, now)
	if err != nil {
		return false, err
	}
	if !won {
		s.logger.Debug("welcome already claimed", "conversation_id", id)
		return false, nil
	}

	if !before.Assignee.IsAssistant() {
		label := store.Assistant().String()
		s.appendEvent(ctx, &store.ConversationEvent{
			ConversationID: id,
			Type:           store.EventAssigned,
			Timestamp:      now,
			Assignee:       &label,
		})
	}
	if conv, err := s.store.GetConversation(ctx, id); err == nil {
		s.publish(ctx, conv)
	}
	return true, nil
}

// Touch records message activity on a conversation
func (s *Service) Touch(ctx context.Context, id string, at time.Time) error {
	return s.store.TouchConversation(ctx, id, at)
}

// AddNote attaches an internal operator note
func (s *Service) AddNote(ctx context.Context, id, operatorID, text string) (*store.Note, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: note text is required", store.ErrValidation)
	}
	note := &store.Note{
		ID:             uuid.New().String(),
		ConversationID: id,
		OperatorID:     operatorID,
		Text:           text,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AddNote(ctx, note); err != nil {
		return nil, err
	}
	if conv, err := s.store.GetConversation(ctx, id); err == nil {
		s.publish(ctx, conv)
	}
	return note, nil
}

// SetTag sets a tag value on the conversation
func (s *Service) SetTag(ctx context.Context, id, key, value string) (*store.Conversation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: tag key is required", store.ErrValidation)
	}
	return s.mutateTags(ctx, id, func(tags map[string]string) { tags[key] = value })
}

// RemoveTag deletes a tag; missing tags are ignored
func (s *Service) RemoveTag(ctx context.Context, id, key string) (*store.Conversation, error) {
	return s.mutateTags(ctx, id, func(tags map[string]string) { delete(tags, key) })
}

func (s *Service) mutateTags(ctx context.Context, id string, fn func(map[string]string)) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Tags == nil {
		conv.Tags = make(map[string]string)
	}
	fn(conv.Tags)
	conv.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("saving tags: %w", err)
	}
	s.publish(ctx, conv)
	return conv, nil
}

// appendEvent records a ledger entry. The transition it describes is already
// committed, so failures are logged rather than returned.
func (s *Service) appendEvent(ctx context.Context, e *store.ConversationEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		s.logger.Error("failed to append conversation event",
			"error", err,
			"conversation_id", e.ConversationID,
			"type", e.Type)
	}
}

func (s *Service) publish(ctx context.Context, conv *store.Conversation) {
	if s.bus == nil {
		return
	}
	snapshot := *conv
	s.bus.Publish(ctx, bus.Event{
		Topic:        bus.TopicConversationUpdated,
		Conversation: &snapshot,
	})
}
