// ABOUTME: Message log service: append, delivery status callbacks and reactions
// ABOUTME: Callbacks for unknown provider ids wait in a pending cache and replay once at creation

package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/ttlcache"
)

const (
	// DefaultPendingTTL is how long an early status callback is kept
	DefaultPendingTTL = 5 * time.Minute

	// DefaultPendingMax bounds the pending cache
	DefaultPendingMax = 10000
)

// MessageStore defines what the service needs from storage
type MessageStore interface {
	CreateMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	GetMessageByExternalRef(ctx context.Context, ref string) (*store.Message, error)
	UpdateMessageState(ctx context.Context, m *store.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPendingCache replaces the default pending status cache
func WithPendingCache(c *ttlcache.Cache[PendingStatus]) Option {
	return func(s *Service) { s.pending = c }
}

// Service appends messages and applies provider callbacks.
type Service struct {
	store   MessageStore
	pending *ttlcache.Cache[PendingStatus]
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a message service. Pass nil logger for default.
func New(st MessageStore, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  st,
		now:    time.Now,
		logger: logger.With("component", "message"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pending == nil {
		s.pending = ttlcache.New[PendingStatus](DefaultPendingTTL, DefaultPendingMax)
	}
	return s
}

// Close stops the pending cache sweeper
func (s *Service) Close() {
	s.pending.Close()
}

// Get returns a message by id
func (s *Service) Get(ctx context.Context, id string) (*store.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// List returns the last limit messages of a conversation, oldest first
func (s *Service) List(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, conversationID, limit)
}

// Append validates and stores a new message. Missing id, status and
// timestamps are filled in. If a status callback for the message's external
// ref arrived earlier, it is applied before the row is written.
func (s *Service) Append(ctx context.Context, m *store.Message) (*store.Message, error) {
	if m.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation is required", store.ErrValidation)
	}
	if m.Media == nil && strings.TrimSpace(m.Text()) == "" {
		return nil, fmt.Errorf("%w: message needs content or media", store.ErrValidation)
	}

	now := s.now().UTC()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	switch m.Direction {
	case store.DirectionIncoming:
		m.Status = store.StatusReceived
	case store.DirectionInternal:
		m.Status = store.StatusNote
	case store.DirectionOutgoing:
		if m.Status == "" {
			m.Status = store.StatusSent
		}
		if m.SentAt == nil {
			m.SentAt = &m.CreatedAt
		}
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", store.ErrValidation, m.Direction)
	}

	if m.ExternalRef != nil && m.Direction == store.DirectionOutgoing {
		s.replayPending(m)
	}

	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(string(m.Direction)).Inc()
	return m, nil
}

// AttachExternalRef records the provider id of an outgoing message once the
// channel accepted it, then replays any status that beat the send result.
func (s *Service) AttachExternalRef(ctx context.Context, id, ref string) (*store.Message, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: external ref is required", store.ErrValidation)
	}
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	m.ExternalRef = &ref
	s.replayPending(m)
	if err := s.store.UpdateMessageState(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MarkFailed records that the channel rejected an outgoing message.
func (s *Service) MarkFailed(ctx context.Context, id string) (*store.Message, error) {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanAdvance(m.Status, store.StatusFailed) {
		return m, nil
	}
	applyStatus(m, store.StatusFailed, s.now().UTC())
	if err := s.store.UpdateMessageState(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ApplyStatus handles a provider delivery callback. If no message carries
// externalRef yet, the status is parked in the pending cache and applied
// returns false. A status that would move the message backwards is ignored.
func (s *Service) ApplyStatus(ctx context.Context, externalRef string, status store.MessageStatus, at time.Time) (m *store.Message, applied bool, err error) {
	if externalRef == "" {
		return nil, false, fmt.Errorf("%w: external ref is required", store.ErrValidation)
	}
	if !IsCallbackStatus(status) {
		return nil, false, fmt.Errorf("%w: status %q cannot come from a callback", store.ErrValidation, status)
	}
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	m, err = s.store.GetMessageByExternalRef(ctx, externalRef)
	if errors.Is(err, store.ErrNotFound) {
		merged := s.pending.Merge(externalRef, pendingFor(status, at), mergePending)
		s.logger.Debug("status parked for unknown message",
			"external_ref", externalRef,
			"status", status,
			"pending_status", merged.Latest())
		metrics.StatusCallbacks.WithLabelValues("pending").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if !advance(m, status, at) {
		s.logger.Warn("race anomaly: status callback would regress message",
			"message_id", m.ID,
			"current", m.Status,
			"incoming", status)
		metrics.StatusCallbacks.WithLabelValues("ignored").Inc()
		return m, false, nil
	}

	if err := s.store.UpdateMessageState(ctx, m); err != nil {
		return nil, false, err
	}
	metrics.StatusCallbacks.WithLabelValues("applied").Inc()
	return m, true, nil
}

// React sets or clears (empty emoji) sender's reaction on a message.
func (s *Service) React(ctx context.Context, id, senderID, emoji string) (*store.Message, error) {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.react(ctx, m, senderID, emoji)
}

// ReactByExternalRef is React for provider reaction callbacks.
func (s *Service) ReactByExternalRef(ctx context.Context, externalRef, senderID, emoji string) (*store.Message, error) {
	m, err := s.store.GetMessageByExternalRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	return s.react(ctx, m, senderID, emoji)
}

func (s *Service) react(ctx context.Context, m *store.Message, senderID, emoji string) (*store.Message, error) {
	if senderID == "" {
		return nil, fmt.Errorf("%w: reaction needs a sender", store.ErrValidation)
	}
	if !m.SetReaction(senderID, emoji, s.now().UTC()) {
		return m, nil
	}
	if err := s.store.UpdateMessageState(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// replayPending applies and removes the parked statuses for m's external
// ref, each with its own time, in progression order.
func (s *Service) replayPending(m *store.Message) {
	p, ok := s.pending.Take(*m.ExternalRef)
	if !ok {
		return
	}
	for _, status := range replayOrder {
		at := p.at(status)
		if at.IsZero() || status == m.Status {
			continue
		}
		if !advance(m, status, at) {
			s.logger.Warn("race anomaly: pending status would regress message",
				"message_id", m.ID,
				"current", m.Status,
				"pending", status)
			continue
		}
		s.logger.Debug("replayed pending status", "message_id", m.ID, "status", status)
	}
}
