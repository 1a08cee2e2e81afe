// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: YAML with ${VAR} expansion, SWITCHBOARD_* environment overrides, defaults and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SWITCHBOARD_"

// Config represents the complete switchboard configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" envPrefix:"TAILSCALE_"`
	Database      DatabaseConfig      `yaml:"database" envPrefix:"DATABASE_"`
	Auth          AuthConfig          `yaml:"auth" envPrefix:"AUTH_"`
	Channels      ChannelsConfig      `yaml:"channels" envPrefix:"CHANNELS_"`
	Assistant     AssistantConfig     `yaml:"assistant" envPrefix:"ASSISTANT_"`
	LLM           LLMConfig           `yaml:"llm" envPrefix:"LLM_"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge" envPrefix:"KNOWLEDGE_"`
	Presence      PresenceConfig      `yaml:"presence" envPrefix:"PRESENCE_"`
	Push          PushConfig          `yaml:"push" envPrefix:"PUSH_"`
	Notifications NotificationsConfig `yaml:"notifications" envPrefix:"NOTIFICATIONS_"`
	Messages      MessagesConfig      `yaml:"messages" envPrefix:"MESSAGES_"`
	Events        EventsConfig        `yaml:"events" envPrefix:"EVENTS_"`
	Logging       LoggingConfig       `yaml:"logging" envPrefix:"LOGGING_"`
	Metrics       MetricsConfig       `yaml:"metrics" envPrefix:"METRICS_"`
}

// ServerConfig holds listener addresses and the dashboard URL used in links
type ServerConfig struct {
	GRPCAddr  string `yaml:"grpc_addr" env:"GRPC_ADDR"`
	HTTPAddr  string `yaml:"http_addr" env:"HTTP_ADDR"`
	PublicURL string `yaml:"public_url" env:"PUBLIC_URL"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Hostname  string `yaml:"hostname" env:"HOSTNAME"`
	AuthKey   string `yaml:"auth_key" env:"AUTH_KEY"`
	StateDir  string `yaml:"state_dir" env:"STATE_DIR"`
	Ephemeral bool   `yaml:"ephemeral" env:"EPHEMERAL"`
	CertFile  string `yaml:"cert_file" env:"CERT_FILE"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file" env:"KEY_FILE"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	ProviderToken string        `yaml:"provider_token" env:"PROVIDER_TOKEN"`
	TokenTTL      time.Duration `yaml:"-"`
	TokenTTLRaw   string        `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// ChannelsConfig holds the customer-facing channel adapters
type ChannelsConfig struct {
	Matrix MatrixConfig        `yaml:"matrix" envPrefix:"MATRIX_"`
	HTTP   []HTTPChannelConfig `yaml:"http"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled" env:"ENABLED"`
	Homeserver   string   `yaml:"homeserver" env:"HOMESERVER"`
	UserID       string   `yaml:"user_id" env:"USER_ID"`
	AccessToken  string   `yaml:"access_token" env:"ACCESS_TOKEN"`
	AllowedRooms []string `yaml:"allowed_rooms"`
}

// HTTPChannelConfig describes one REST messaging gateway
type HTTPChannelConfig struct {
	Name       string        `yaml:"name"`
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// AssistantConfig tunes the automated responder
type AssistantConfig struct {
	AutoAssign         bool     `yaml:"auto_assign" env:"AUTO_ASSIGN"`
	Greeting           string   `yaml:"greeting" env:"GREETING"`
	Acknowledgement    string   `yaml:"acknowledgement" env:"ACKNOWLEDGEMENT"`
	SystemPrompt       string   `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	HistoryWindow      int      `yaml:"history_window" env:"HISTORY_WINDOW"`
	PriorConversations int      `yaml:"prior_conversations" env:"PRIOR_CONVERSATIONS"`
	Concurrency        int      `yaml:"concurrency" env:"CONCURRENCY"` // turns in flight across conversations
	KeywordsFile       string   `yaml:"keywords_file" env:"KEYWORDS_FILE"`
	Keywords           []string `yaml:"keywords"`
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	Model       string        `yaml:"model" env:"MODEL"`
	Temperature float32       `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout     time.Duration `yaml:"-"`
	TimeoutRaw  string        `yaml:"timeout" env:"TIMEOUT"`
}

// Enabled reports whether a model is configured
func (c LLMConfig) Enabled() bool { return c.Model != "" }

// KnowledgeConfig holds the local knowledge base settings
type KnowledgeConfig struct {
	Dir       string `yaml:"dir" env:"DIR"`
	IndexPath string `yaml:"index_path" env:"INDEX_PATH"` // empty keeps the index in memory
}

// PresenceConfig selects the presence backend
type PresenceConfig struct {
	Backend  string        `yaml:"backend" env:"BACKEND"` // memory | redis
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"-"`
	TTLRaw   string        `yaml:"ttl" env:"TTL"`
}

// PushConfig holds offline push credentials
type PushConfig struct {
	VAPIDPublicKey  string `yaml:"vapid_public_key" env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `yaml:"vapid_private_key" env:"VAPID_PRIVATE_KEY"`
	Subject         string `yaml:"subject" env:"SUBJECT"` // mailto: or https: contact for push services
}

// WebPushEnabled reports whether VAPID keys are configured
func (c PushConfig) WebPushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// NotificationsConfig holds notification retention
type NotificationsConfig struct {
	Retention         time.Duration `yaml:"-"`
	RetentionRaw      string        `yaml:"retention" env:"RETENTION"`
	RetentionSchedule string        `yaml:"retention_schedule" env:"RETENTION_SCHEDULE"`
}

// MessagesConfig tunes the pending status cache
type MessagesConfig struct {
	PendingTTL    time.Duration `yaml:"-"`
	PendingTTLRaw string        `yaml:"pending_ttl" env:"PENDING_TTL"`
	PendingMax    int           `yaml:"pending_max" env:"PENDING_MAX"`
}

// EventsConfig configures the optional AMQP mirror of conversation events
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url" env:"AMQP_URL"`
	Exchange string `yaml:"exchange" env:"EXCHANGE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // text | json
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// LoadDotenv loads KEY=VALUE files into the environment. Missing files are
// skipped; values already set in the environment win.
func LoadDotenv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, then
// SWITCHBOARD_* variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://localhost" + c.Server.HTTPAddr
		if c.Tailscale.Enabled {
			c.Server.PublicURL = "https://" + c.Tailscale.Hostname
		}
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 30 * 24 * time.Hour
	}
	if c.Presence.Backend == "" {
		c.Presence.Backend = "memory"
	}
	if c.Presence.Prefix == "" {
		c.Presence.Prefix = "switchboard:presence"
	}
	if c.Presence.TTL == 0 {
		c.Presence.TTL = 2 * time.Minute
	}
	if c.Push.Subject == "" {
		c.Push.Subject = "mailto:support@localhost"
	}
	if c.Notifications.Retention == 0 {
		c.Notifications.Retention = 30 * 24 * time.Hour
	}
	if c.Messages.PendingTTL == 0 {
		c.Messages.PendingTTL = 5 * time.Minute
	}
	if c.Messages.PendingMax == 0 {
		c.Messages.PendingMax = 10000
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "switchboard.events"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 20 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Channels.Matrix.Enabled {
		if c.Channels.Matrix.Homeserver == "" || c.Channels.Matrix.UserID == "" || c.Channels.Matrix.AccessToken == "" {
			return fmt.Errorf("channels.matrix needs homeserver, user_id and access_token when enabled")
		}
	}
	seen := map[string]bool{}
	for i, h := range c.Channels.HTTP {
		if h.Name == "" || h.BaseURL == "" {
			return fmt.Errorf("channels.http[%d] needs name and base_url", i)
		}
		if seen[h.Name] || (h.Name == "matrix" && c.Channels.Matrix.Enabled) {
			return fmt.Errorf("channels.http[%d]: duplicate channel name %q", i, h.Name)
		}
		seen[h.Name] = true
	}

	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if c.Presence.RedisURL == "" {
			return fmt.Errorf("presence.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("presence.backend must be memory or redis, got %q", c.Presence.Backend)
	}

	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		return fmt.Errorf("push.vapid_public_key and push.vapid_private_key must be set together")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"llm.timeout", cfg.LLM.TimeoutRaw, &cfg.LLM.Timeout},
		{"presence.ttl", cfg.Presence.TTLRaw, &cfg.Presence.TTL},
		{"notifications.retention", cfg.Notifications.RetentionRaw, &cfg.Notifications.Retention},
		{"messages.pending_ttl", cfg.Messages.PendingTTLRaw, &cfg.Messages.PendingTTL},
	}
	for i := range cfg.Channels.HTTP {
		h := &cfg.Channels.HTTP[i]
		fields = append(fields, struct {
			name string
			raw  string
			dst  *time.Duration
		}{fmt.Sprintf("channels.http[%d].timeout", i), h.TimeoutRaw, &h.Timeout})
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
