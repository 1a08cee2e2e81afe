// ABOUTME: Message flow orchestration between channel adapters, conversations and the message log
// ABOUTME: Inbound provider events are deduplicated by external id before anything is stored

package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/realtime"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/ttlcache"
	"github.com/2389/switchboard/internal/view"
)

const (
	// DefaultDedupeTTL is how long a provider event id is remembered
	DefaultDedupeTTL = 10 * time.Minute

	// DefaultDedupeMax bounds the dedupe cache
	DefaultDedupeMax = 10000

	// EventMessageUpdated is emitted to conversation rooms on status and reaction changes
	EventMessageUpdated = "message.updated"
)

// Conversations is the lifecycle surface the inbox drives
type Conversations interface {
	Get(ctx context.Context, id string) (*store.Conversation, error)
	FindOrCreate(ctx context.Context, counterpartyID, channelRef string, displayName *string) (*store.Conversation, bool, error)
	AutomaticReopen(ctx context.Context, id string) (*store.Conversation, bool, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

// Messages is the message log surface the inbox drives
type Messages interface {
	Append(ctx context.Context, m *store.Message) (*store.Message, error)
	AttachExternalRef(ctx context.Context, id, ref string) (*store.Message, error)
	MarkFailed(ctx context.Context, id string) (*store.Message, error)
	ApplyStatus(ctx context.Context, externalRef string, status store.MessageStatus, at time.Time) (*store.Message, bool, error)
	React(ctx context.Context, id, senderID, emoji string) (*store.Message, error)
	ReactByExternalRef(ctx context.Context, externalRef, senderID, emoji string) (*store.Message, error)
}

// Channels resolves the adapter for a conversation
type Channels interface {
	For(conv *store.Conversation) (channel.Adapter, error)
}

// Classifier decides hand-off for incoming text
type Classifier interface {
	Classify(text string) handoff.Decision
}

// Emitter pushes message updates to realtime rooms
type Emitter interface {
	EmitToRoom(room, event string, payload any) int
}

// Deps wires an Inbox. Bus, Live and Classifier may be nil. With a
// Classifier, each incoming message not held by a human is classified once
// and the decision travels on its message.created event.
type Deps struct {
	Conversations Conversations
	Messages      Messages
	Channels      Channels
	Classifier    Classifier
	Bus           bus.Publisher
	Live          Emitter
	Logger        *slog.Logger
}

// Inbox implements channel.Sink for inbound traffic and sends outbound
// messages for operators and the assistant.
type Inbox struct {
	conversations Conversations
	messages      Messages
	channels      Channels
	classifier    Classifier
	bus           bus.Publisher
	live          Emitter
	seen          *ttlcache.Cache[struct{}]
	logger        *slog.Logger
}

// New creates an inbox
func New(deps Deps) *Inbox {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		conversations: deps.Conversations,
		messages:      deps.Messages,
		channels:      deps.Channels,
		classifier:    deps.Classifier,
		bus:           deps.Bus,
		live:          deps.Live,
		seen:          ttlcache.New[struct{}](DefaultDedupeTTL, DefaultDedupeMax),
		logger:        logger.With("component", "inbox"),
	}
}

// Close stops the dedupe cache sweeper
func (ib *Inbox) Close() {
	ib.seen.Close()
}

// HandleInbound stores a customer message. Re-deliveries of an event id
// already processed return nil without side effects.
func (ib *Inbox) HandleInbound(ctx context.Context, in channel.Inbound) error {
	if in.Channel == "" || in.ExternalID == "" || in.CounterpartyID == "" {
		return fmt.Errorf("%w: channel, external id and counterparty are required", store.ErrValidation)
	}
	if strings.TrimSpace(in.Text) == "" && in.Media == nil {
		return fmt.Errorf("%w: inbound message has no content", store.ErrValidation)
	}

	key := "inbound:" + in.Channel + ":" + in.ExternalID
	if ib.seen.CheckAndMark(key) {
		metrics.DuplicateInbound.Inc()
		ib.logger.Debug("duplicate inbound event ignored", "channel", in.Channel, "external_id", in.ExternalID)
		return nil
	}

	if err := ib.processInbound(ctx, in); err != nil {
		// stored before the cache was populated (e.g. before a restart)
		if errors.Is(err, store.ErrDuplicate) {
			metrics.DuplicateInbound.Inc()
			return nil
		}
		// unmark so the provider's retry is processed
		ib.seen.Take(key)
		return err
	}
	return nil
}

func (ib *Inbox) processInbound(ctx context.Context, in channel.Inbound) error {
	var displayName *string
	if name := strings.TrimSpace(in.DisplayName); name != "" {
		displayName = &name
	}

	conv, created, err := ib.conversations.FindOrCreate(ctx, in.CounterpartyID, in.Channel, displayName)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}
	if conv.Status == store.ConversationClosed {
		if conv, _, err = ib.conversations.AutomaticReopen(ctx, conv.ID); err != nil {
			return fmt.Errorf("reopening conversation: %w", err)
		}
	}

	ref := in.ExternalID
	m := &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionIncoming,
		ExternalRef:    &ref,
		Media:          in.Media,
	}
	if text := strings.TrimSpace(in.Text); text != "" {
		m.Content = &text
	}
	if in.ReplyTo != "" {
		replyTo := in.ReplyTo
		m.ReplyToRef = &replyTo
	}
	m, err = ib.messages.Append(ctx, m)
	if err != nil {
		return fmt.Errorf("appending inbound message: %w", err)
	}

	ib.touch(ctx, conv, m.CreatedAt)

	ib.logger.Info("inbound message",
		"conversation_id", conv.ID,
		"message_id", m.ID,
		"channel", in.Channel,
		"new_conversation", created,
		"provider_at", in.At)

	ib.publishMessage(ctx, conv, m, ib.classify(conv, m))
	return nil
}

func (ib *Inbox) classify(conv *store.Conversation, m *store.Message) *handoff.Decision {
	if ib.classifier == nil || conv.Assignee.IsHuman() {
		return nil
	}
	d := ib.classifier.Classify(m.Text())
	return &d
}

// HandleStatus applies a delivery callback
func (ib *Inbox) HandleStatus(ctx context.Context, up channel.StatusUpdate) error {
	m, applied, err := ib.messages.ApplyStatus(ctx, up.ExternalID, up.Status, up.At)
	if err != nil {
		return err
	}
	if applied {
		ib.emitUpdate(m)
	}
	return nil
}

// HandleReaction applies a customer reaction
func (ib *Inbox) HandleReaction(ctx context.Context, up channel.ReactionUpdate) error {
	m, err := ib.messages.ReactByExternalRef(ctx, up.ExternalID, up.SenderID, up.Emoji)
	if err != nil {
		return err
	}
	ib.emitUpdate(m)
	return nil
}

// React sets an operator's reaction on a message
func (ib *Inbox) React(ctx context.Context, messageID, operatorID, emoji string) (*store.Message, error) {
	m, err := ib.messages.React(ctx, messageID, operatorID, emoji)
	if err != nil {
		return nil, err
	}
	ib.emitUpdate(m)
	return m, nil
}

func (ib *Inbox) touch(ctx context.Context, conv *store.Conversation, at time.Time) {
	if err := ib.conversations.Touch(ctx, conv.ID, at); err != nil {
		ib.logger.Warn("updating last message time failed", "conversation_id", conv.ID, "error", err)
		return
	}
	conv.LastMessageAt = at
}

func (ib *Inbox) publishMessage(ctx context.Context, conv *store.Conversation, m *store.Message, d *handoff.Decision) {
	if ib.bus == nil {
		return
	}
	snapshot := *conv
	ib.bus.Publish(ctx, bus.Event{
		Topic:        bus.TopicMessageCreated,
		Conversation: &snapshot,
		Message:      m,
		Preview:      bus.Preview(m.Text()),
		Handoff:      d,
	})
}

func (ib *Inbox) emitUpdate(m *store.Message) {
	if ib.live == nil || m == nil {
		return
	}
	ib.live.EmitToRoom(realtime.ConversationRoom(m.ConversationID), EventMessageUpdated, view.Message(m))
}
