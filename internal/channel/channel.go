// ABOUTME: Channel adapter contract and registry for customer-facing chat providers
// ABOUTME: Adapters send outbound messages and report inbound events to a Sink

package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/2389/switchboard/internal/store"
)

// ErrUnknownChannel is returned when no adapter serves a conversation's channel
var ErrUnknownChannel = errors.New("unknown channel")

// Adapter sends messages on one provider. Both send calls return the
// provider's message id, which becomes the message's external ref.
type Adapter interface {
	Name() string
	SendText(ctx context.Context, conv *store.Conversation, text string) (string, error)
	SendMedia(ctx context.Context, conv *store.Conversation, media store.Media, caption string) (string, error)
}

// Inbound is a customer message as reported by a provider
type Inbound struct {
	Channel        string       `json:"channel" validate:"required"`
	ExternalID     string       `json:"external_id" validate:"required"`
	CounterpartyID string       `json:"counterparty_id" validate:"required"`
	DisplayName    string       `json:"display_name,omitempty"`
	Text           string       `json:"text,omitempty"`
	Media          *store.Media `json:"media,omitempty"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	At             time.Time    `json:"at"`
}

// StatusUpdate is a delivery callback for an outgoing message
type StatusUpdate struct {
	Channel    string              `json:"channel"`
	ExternalID string              `json:"external_id" validate:"required"`
	Status     store.MessageStatus `json:"status" validate:"required,oneof=sent delivered read failed"`
	At         time.Time           `json:"at"`
}

// ReactionUpdate sets or clears (empty Emoji) a customer's reaction
type ReactionUpdate struct {
	Channel    string `json:"channel"`
	ExternalID string `json:"external_id" validate:"required"`
	SenderID   string `json:"sender_id" validate:"required"`
	Emoji      string `json:"emoji"`
}

// Sink receives provider events
type Sink interface {
	HandleInbound(ctx context.Context, in Inbound) error
	HandleStatus(ctx context.Context, up StatusUpdate) error
	HandleReaction(ctx context.Context, up ReactionUpdate) error
}

// Registry maps channel names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// For returns the adapter serving a conversation
func (r *Registry) For(conv *store.Conversation) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[conv.ChannelRef]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, conv.ChannelRef)
	}
	return a, nil
}

// Names lists the registered channels
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// MediaKind is the coarse category of an attachment
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

// KindOf classifies media by its MIME type
func KindOf(m store.Media) MediaKind {
	mime := m.Type
	if mt := mimetype.Lookup(m.Type); mt != nil {
		mime = mt.String()
	}
	top, _, _ := strings.Cut(mime, "/")
	switch top {
	case "image":
		return MediaImage
	case "video":
		return MediaVideo
	case "audio":
		return MediaAudio
	default:
		return MediaFile
	}
}

// NormalizeMedia canonicalizes the MIME type and fills a filename with the
// type's usual extension. Unknown types are rejected.
func NormalizeMedia(m store.Media) (store.Media, error) {
	mt := mimetype.Lookup(strings.ToLower(strings.TrimSpace(m.Type)))
	if mt == nil {
		return m, fmt.Errorf("%w: unsupported media type %q", store.ErrValidation, m.Type)
	}
	m.Type = mt.String()
	if m.Filename == "" {
		m.Filename = "attachment" + mt.Extension()
	}
	return m, nil
}
