// ABOUTME: Language model collaborator for assistant replies (OpenAI-compatible chat completions)
// ABOUTME: One bounded-timeout request per call, no retry

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/switchboard/internal/metrics"
)

// DefaultTimeout bounds a single completion request
const DefaultTimeout = 20 * time.Second

// ErrEmptyReply is returned when the model answered with no text
var ErrEmptyReply = errors.New("language model returned no text")

// Role of a turn in the prompt
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message given to the model
type Turn struct {
	Role    Role
	Content string
}

// Request is a complete prompt: a system preamble plus ordered turns
type Request struct {
	System string
	Turns  []Turn
}

// Model generates a reply for a prompt
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config for the OpenAI-compatible client
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Client calls a chat completions endpoint
type Client struct {
	api    *openai.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a client. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{
		api:    openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.With("component", "llm"),
	}, nil
}

// Complete sends the prompt and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, t := range req.Turns {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	metrics.RecordLLM(start)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}

	c.logger.Debug("completion received",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start))
	return text, nil
}
