// ABOUTME: Generic HTTP provider adapter posting outbound messages to a REST messaging gateway
// ABOUTME: Inbound events for this adapter arrive through the provider callback endpoints

package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/switchboard/internal/store"
)

// DefaultHTTPTimeout bounds one provider request
const DefaultHTTPTimeout = 15 * time.Second

// HTTPConfig describes the provider gateway
type HTTPConfig struct {
	Name    string // channel ref, e.g. "whatsapp"
	BaseURL string
	Token   string
	Timeout time.Duration
}

type outboundRequest struct {
	To      string       `json:"to"`
	Type    string       `json:"type"`
	Text    string       `json:"text,omitempty"`
	Media   *store.Media `json:"media,omitempty"`
	Caption string       `json:"caption,omitempty"`
	Contact string       `json:"contact_ref,omitempty"`
}

type outboundResponse struct {
	ID string `json:"id"`
}

// HTTP posts to {base}/messages and expects {"id": "..."} back.
type HTTP struct {
	name       string
	httpClient *resty.Client
}

// NewHTTP creates the adapter
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Name == "" || baseURL == "" {
		return nil, fmt.Errorf("http channel needs a name and base url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "switchboard/1.0").
		SetTimeout(timeout)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &HTTP{name: cfg.Name, httpClient: client}, nil
}

// Name implements Adapter
func (h *HTTP) Name() string { return h.name }

// SendText implements Adapter
func (h *HTTP) SendText(ctx context.Context, conv *store.Conversation, text string) (string, error) {
	return h.post(ctx, outboundRequest{
		To:      conv.CounterpartyID,
		Type:    "text",
		Text:    text,
		Contact: deref(conv.ContactRef),
	})
}

// SendMedia implements Adapter
func (h *HTTP) SendMedia(ctx context.Context, conv *store.Conversation, media store.Media, caption string) (string, error) {
	return h.post(ctx, outboundRequest{
		To:      conv.CounterpartyID,
		Type:    string(KindOf(media)),
		Media:   &media,
		Caption: caption,
		Contact: deref(conv.ContactRef),
	})
}

func (h *HTTP) post(ctx context.Context, req outboundRequest) (string, error) {
	var resp outboundResponse
	httpResp, err := h.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&resp).
		Post("/messages")
	if err != nil {
		return "", fmt.Errorf("%s send request failed: %w", h.name, err)
	}
	if httpResp.IsError() {
		return "", fmt.Errorf("%s send error (%d): %s", h.name, httpResp.StatusCode(), httpResp.String())
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%s send returned no message id", h.name)
	}
	return resp.ID, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
