// ABOUTME: Bus subscriber that turns conversation events into operator notifications
// ABOUTME: Also mirrors conversation and message updates to the realtime rooms

package notify

import (
	"context"
	"log/slog"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/realtime"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/view"
)

// Notifier is the dispatcher as seen by the subscriber
type Notifier interface {
	Notify(ctx context.Context, recipientID string, e Event) (Result, error)
}

// EligibleLister yields the operators that may be notified
type EligibleLister interface {
	EligibleIDs(ctx context.Context) ([]string, error)
}

// Emitter is the realtime fan-out used for dashboard updates
type Emitter interface {
	EmitToRoom(room, event string, payload any) int
}

// Subscriber routes bus events to recipients.
type Subscriber struct {
	notifier Notifier
	eligible EligibleLister
	live     Emitter
	logger   *slog.Logger
}

// NewSubscriber creates a subscriber. live may be nil.
func NewSubscriber(notifier Notifier, eligible EligibleLister, live Emitter, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		notifier: notifier,
		eligible: eligible,
		live:     live,
		logger:   logger.With("component", "notify"),
	}
}

// Attach subscribes to every topic the subscriber handles
func (s *Subscriber) Attach(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, "notify", s.Handle,
		bus.TopicMessageCreated,
		bus.TopicConversationUpdated,
		bus.TopicConversationEscalated)
}

// Handle processes one event
func (s *Subscriber) Handle(ctx context.Context, e bus.Event) {
	switch e.Topic {
	case bus.TopicMessageCreated:
		s.onMessage(ctx, e)
	case bus.TopicConversationEscalated:
		s.onEscalation(ctx, e)
	case bus.TopicConversationUpdated:
		if s.live != nil && e.Conversation != nil {
			payload := view.Conversation(e.Conversation)
			s.live.EmitToRoom(realtime.DashboardRoom, string(e.Topic), payload)
			s.live.EmitToRoom(realtime.ConversationRoom(e.Conversation.ID), string(e.Topic), payload)
		}
	}
}

func (s *Subscriber) onMessage(ctx context.Context, e bus.Event) {
	if e.Message == nil || e.Conversation == nil {
		return
	}
	if s.live != nil {
		s.live.EmitToRoom(realtime.ConversationRoom(e.Conversation.ID), string(e.Topic), view.Message(e.Message))
	}
	if e.Message.Direction != store.DirectionIncoming {
		return
	}

	ev := Event{Kind: KindMessage, Conversation: e.Conversation, Message: e.Message}
	assignee := e.Conversation.Assignee
	switch assignee.Kind {
	case store.AssigneeHuman:
		s.notify(ctx, assignee.OperatorID, ev)
	case store.AssigneeAssistant:
		// the assistant owns it; operators hear about it only on escalation
	default:
		if e.Escalates() {
			// the escalation event that follows notifies the same operators
			return
		}
		s.notifyEligible(ctx, ev)
	}
}

func (s *Subscriber) onEscalation(ctx context.Context, e bus.Event) {
	if e.Conversation == nil {
		return
	}
	s.notifyEligible(ctx, Event{
		Kind:         KindEscalation,
		Conversation: e.Conversation,
		Message:      e.Message,
		Preview:      e.Preview,
		Reason:       e.Reason,
	})
}

// notifyEligible notifies every eligible operator independently; one
// failure does not stop the others.
func (s *Subscriber) notifyEligible(ctx context.Context, ev Event) {
	ids, err := s.eligible.EligibleIDs(ctx)
	if err != nil {
		s.logger.Error("resolving eligible operators failed", "error", err)
		return
	}
	for _, id := range ids {
		s.notify(ctx, id, ev)
	}
}

func (s *Subscriber) notify(ctx context.Context, recipientID string, ev Event) {
	if _, err := s.notifier.Notify(ctx, recipientID, ev); err != nil {
		s.logger.Warn("notification failed",
			"operator_id", recipientID,
			"type", ev.Kind,
			"conversation_id", ev.Conversation.ID,
			"error", err)
	}
}
