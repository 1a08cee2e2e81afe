// ABOUTME: Notification dispatcher: preference and presence filtering, persistence, delivery
// ABOUTME: Realtime and offline push are delivered independently; failures never reach the caller

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/push"
	"github.com/2389/switchboard/internal/realtime"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/view"
)

// Kind is the notification type
type Kind string

const (
	KindMessage    Kind = "message"
	KindEscalation Kind = "escalation"
)

// Skip explains why no notification was produced
type Skip string

const (
	SkipNone       Skip = ""
	SkipDisabled   Skip = "disabled"
	SkipPreference Skip = "preference"
	SkipPresent    Skip = "present"
)

// Event is what a recipient is being told about
type Event struct {
	Kind         Kind
	Conversation *store.Conversation
	Message      *store.Message // KindMessage
	Preview      string
	Reason       string
}

// Result reports what Notify did, for tests and metrics
type Result struct {
	Skipped      Skip
	Notification *store.Notification
	Realtime     bool
	Pushed       int
	Pruned       int
}

// Store is the persistence the dispatcher needs
type Store interface {
	GetPreferences(ctx context.Context, operatorID string) (store.Preferences, error)
	CreateNotification(ctx context.Context, n *store.Notification) error
	ListPushSubscriptions(ctx context.Context, operatorID string) ([]*store.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, operatorID, id string) error
}

// Realtime is the live channel the dispatcher emits on
type Realtime interface {
	EmitToRoom(room, event string, payload any) int
	IsConnected(operatorID string) bool
}

// PushSender delivers offline pushes
type PushSender interface {
	Send(ctx context.Context, sub *store.PushSubscription, p push.Payload) (push.Outcome, error)
}

// Dispatcher notifies one recipient about one event.
type Dispatcher struct {
	store    Store
	presence presence.Tracker
	live     Realtime
	push     PushSender
	linkBase string
	now      func() time.Time
	logger   *slog.Logger
}

// Config wires a dispatcher. Push and Live may be nil.
type Config struct {
	Store    Store
	Presence presence.Tracker
	Live     Realtime
	Push     PushSender
	LinkBase string // e.g. https://dash.example.com
	Logger   *slog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := cfg.Presence
	if tracker == nil {
		tracker = presence.NewMemory()
	}
	return &Dispatcher{
		store:    cfg.Store,
		presence: tracker,
		live:     cfg.Live,
		push:     cfg.Push,
		linkBase: strings.TrimRight(cfg.LinkBase, "/"),
		now:      time.Now,
		logger:   logger.With("component", "notify"),
	}
}

// Notify runs the pipeline for one recipient. The error is informational;
// callers log it at most.
func (d *Dispatcher) Notify(ctx context.Context, recipientID string, e Event) (Result, error) {
	if e.Conversation == nil {
		return Result{}, fmt.Errorf("notification without conversation")
	}

	prefs, err := d.store.GetPreferences(ctx, recipientID)
	if err != nil {
		return Result{}, fmt.Errorf("loading preferences: %w", err)
	}
	if skip := allowed(prefs, recipientID, e); skip != SkipNone {
		metrics.RecordNotification(string(e.Kind), string(skip))
		return Result{Skipped: skip}, nil
	}

	if e.Kind == KindMessage {
		present, err := d.presence.IsPresent(ctx, e.Conversation.ID, recipientID)
		if err != nil {
			d.logger.Warn("presence lookup failed", "operator_id", recipientID, "error", err)
		}
		if present {
			metrics.RecordNotification(string(e.Kind), string(SkipPresent))
			return Result{Skipped: SkipPresent}, nil
		}
	}

	n := d.build(recipientID, e)
	if err := d.store.CreateNotification(ctx, n); err != nil {
		metrics.RecordNotification(string(e.Kind), "error")
		return Result{}, fmt.Errorf("saving notification: %w", err)
	}
	res := Result{Notification: n}

	if d.live != nil && d.live.IsConnected(recipientID) {
		res.Realtime = d.live.EmitToRoom(realtime.OperatorRoom(recipientID), "notification", view.Notification(n)) > 0
	}
	res.Pushed, res.Pruned = d.deliverPush(ctx, recipientID, n)

	metrics.RecordNotification(string(e.Kind), "sent")
	d.logger.Debug("notification dispatched",
		"operator_id", recipientID,
		"type", e.Kind,
		"conversation_id", e.Conversation.ID,
		"realtime", res.Realtime,
		"pushed", res.Pushed)
	return res, nil
}

// allowed applies the recipient's preferences
func allowed(p store.Preferences, recipientID string, e Event) Skip {
	if !p.Enabled {
		return SkipDisabled
	}
	switch e.Kind {
	case KindEscalation:
		if !p.Escalation {
			return SkipPreference
		}
	case KindMessage:
		assignee := e.Conversation.Assignee
		switch {
		case p.MessageAll:
		case assignee.IsHuman() && assignee.OperatorID == recipientID && p.MessageAssignedToMe:
		case assignee.IsUnassigned() && p.MessageUnassigned:
		default:
			return SkipPreference
		}
	default:
		return SkipPreference
	}
	return SkipNone
}

func (d *Dispatcher) build(recipientID string, e Event) *store.Notification {
	conv := e.Conversation
	who := conv.CounterpartyID
	if conv.DisplayName != nil && *conv.DisplayName != "" {
		who = *conv.DisplayName
	}

	preview := e.Preview
	if preview == "" && e.Message != nil {
		preview = bus.Preview(e.Message.Text())
		if preview == "" && e.Message.Media != nil {
			preview = "[" + e.Message.Media.Type + "]"
		}
	}

	n := &store.Notification{
		ID:          uuid.New().String(),
		RecipientID: recipientID,
		Type:        string(e.Kind),
		Content:     preview,
		Reference:   store.NotificationRef{Model: "conversation", ID: conv.ID},
		Link:        d.linkBase + "/conversations/" + conv.ID,
		CreatedAt:   d.now().UTC(),
	}
	switch e.Kind {
	case KindEscalation:
		n.Title = "Hand-off requested by " + who
	default:
		n.Title = "New message from " + who
	}
	return n
}

// deliverPush sends to every registered endpoint and prunes expired ones.
func (d *Dispatcher) deliverPush(ctx context.Context, recipientID string, n *store.Notification) (pushed, pruned int) {
	if d.push == nil {
		return 0, 0
	}
	subs, err := d.store.ListPushSubscriptions(ctx, recipientID)
	if err != nil {
		d.logger.Warn("listing push subscriptions failed", "operator_id", recipientID, "error", err)
		return 0, 0
	}

	payload := push.Payload{
		NotificationID: n.ID,
		Type:           n.Type,
		Title:          n.Title,
		Body:           n.Content,
		Link:           n.Link,
	}
	for _, sub := range subs {
		outcome, err := d.push.Send(ctx, sub, payload)
		if err != nil {
			continue
		}
		if outcome == push.Expired {
			if err := d.store.DeletePushSubscription(ctx, recipientID, sub.ID); err != nil {
				d.logger.Warn("pruning expired subscription failed", "subscription_id", sub.ID, "error", err)
				continue
			}
			d.logger.Info("pruned expired push subscription", "operator_id", recipientID, "kind", sub.Kind)
			pruned++
			continue
		}
		pushed++
	}
	return pushed, pruned
}
