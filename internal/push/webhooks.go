// ABOUTME: Slack and Discord incoming-webhook senders for operators who prefer chat pings
// ABOUTME: A deleted or archived webhook is reported as expired

package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"

	"github.com/2389/switchboard/internal/store"
)

// Slack posts to Slack incoming webhooks
type Slack struct {
	client *http.Client
}

// NewSlack creates a Slack sender. client may be nil.
func NewSlack(client *http.Client) *Slack {
	if client == nil {
		client = http.DefaultClient
	}
	return &Slack{client: client}
}

func (s *Slack) Send(ctx context.Context, sub *store.PushSubscription, p Payload) (Outcome, error) {
	msg := &slack.WebhookMessage{
		Text: p.text(),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, p.text(), false, false), nil, nil),
		}},
	}
	err := slack.PostWebhookCustomHTTPContext(ctx, sub.Endpoint, s.client, msg)
	if err == nil {
		return Delivered, nil
	}
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) && (statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusGone) {
		return Expired, nil
	}
	return Delivered, fmt.Errorf("slack webhook: %w", err)
}

// discordWebhooks is the discordgo.Session method the sender uses
type discordWebhooks interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord executes Discord webhooks. Endpoints are webhook URLs of the form
// https://discord.com/api/webhooks/{id}/{token}.
type Discord struct {
	session discordWebhooks
}

// NewDiscord creates a Discord sender. Webhook execution needs no bot token.
func NewDiscord() (*Discord, error) {
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &Discord{session: s}, nil
}

func (d *Discord) Send(ctx context.Context, sub *store.PushSubscription, p Payload) (Outcome, error) {
	id, token, err := parseDiscordWebhook(sub.Endpoint)
	if err != nil {
		return Delivered, err
	}
	embed := &discordgo.MessageEmbed{
		Title:       p.Title,
		Description: p.Body,
		URL:         p.Link,
	}
	_, err = d.session.WebhookExecute(id, token, false, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err == nil {
		return Delivered, nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return Expired, nil
	}
	return Delivered, fmt.Errorf("discord webhook: %w", err)
}

func parseDiscordWebhook(endpoint string) (id, token string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("invalid discord webhook: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("invalid discord webhook %q", endpoint)
}
