// ABOUTME: Offline push delivery to operator endpoints (Web Push, Slack, Discord webhooks)
// ABOUTME: Each sender reports Delivered, Expired (endpoint gone, prune it) or an error

package push

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/store"
)

// Outcome of one delivery attempt
type Outcome int

const (
	Delivered Outcome = iota
	Expired
)

func (o Outcome) String() string {
	if o == Expired {
		return "expired"
	}
	return "delivered"
}

// Payload is the provider-neutral notification content
type Payload struct {
	NotificationID string `json:"notification_id"`
	Type           string `json:"type"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Link           string `json:"link,omitempty"`
}

// Sender delivers to one kind of endpoint
type Sender interface {
	Send(ctx context.Context, sub *store.PushSubscription, p Payload) (Outcome, error)
}

// Router picks the sender registered for a subscription's kind.
type Router struct {
	senders map[store.PushKind]Sender
	logger  *slog.Logger
}

// NewRouter creates an empty router. Pass nil logger for default.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		senders: make(map[store.PushKind]Sender),
		logger:  logger.With("component", "push"),
	}
}

// Register installs the sender for kind
func (r *Router) Register(kind store.PushKind, s Sender) {
	r.senders[kind] = s
}

// Supports reports whether kind has a sender
func (r *Router) Supports(kind store.PushKind) bool {
	_, ok := r.senders[kind]
	return ok
}

// Send routes to the registered sender
func (r *Router) Send(ctx context.Context, sub *store.PushSubscription, p Payload) (Outcome, error) {
	s, ok := r.senders[sub.Kind]
	if !ok {
		return Delivered, fmt.Errorf("no push sender for %q", sub.Kind)
	}
	outcome, err := s.Send(ctx, sub, p)
	switch {
	case err != nil:
		metrics.PushDeliveries.WithLabelValues(string(sub.Kind), "error").Inc()
		r.logger.Warn("push delivery failed",
			"kind", sub.Kind,
			"subscription_id", sub.ID,
			"error", err)
	default:
		metrics.PushDeliveries.WithLabelValues(string(sub.Kind), outcome.String()).Inc()
	}
	return outcome, err
}

// text renders a payload as a single chat line
func (p Payload) text() string {
	out := "*" + p.Title + "*"
	if p.Body != "" {
		out += "\n" + p.Body
	}
	if p.Link != "" {
		out += "\n" + p.Link
	}
	return out
}
