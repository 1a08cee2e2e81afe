// ABOUTME: Interactive config generator with fresh JWT secret, provider token and VAPID keys
// ABOUTME: Empty answers take the defaults shown in brackets

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/push"
)

func newInitCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), *configPath, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config without asking")
	return cmd
}

// initAnswers holds everything the template needs
type initAnswers struct {
	HTTPAddr   string
	GRPCAddr   string
	PublicURL  string
	DBPath     string
	Tailscale  bool
	TSHostname string
	TSAuthKey  string
	LLMBaseURL string
	LLMModel   string
	LLMAPIKey  string
	AutoAssign bool
	LogLevel   string
	LogFormat  string

	JWTSecret     string
	ProviderToken string
	VAPID         push.VAPIDKeys
}

func runInit(in io.Reader, out io.Writer, outputFile string, force bool) error {
	reader := bufio.NewReader(in)
	ask := func(q, def string) string { return prompt(reader, out, q, def) }

	fmt.Fprintln(out, "switchboard configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	if _, err := os.Stat(outputFile); err == nil && !force {
		if !yes(ask("File "+outputFile+" exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers
	fmt.Fprintln(out, "\n--- Server ---")
	a.HTTPAddr = ask("HTTP address", "localhost:8080")
	a.GRPCAddr = ask("gRPC health address (empty to disable)", "localhost:50051")
	a.DBPath = ask("SQLite database path", filepath.Join(defaultDataPath(), "switchboard.db"))

	fmt.Fprintln(out, "\n--- Tailscale ---")
	a.Tailscale = yes(ask("Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = ask("Tailscale hostname", "switchboard")
		a.TSAuthKey = ask("Tailscale auth key (empty to use TS_AUTHKEY)", "")
		a.PublicURL = ask("Dashboard URL", "https://"+a.TSHostname)
	} else {
		a.PublicURL = ask("Dashboard URL", "http://"+a.HTTPAddr)
	}

	fmt.Fprintln(out, "\n--- Assistant ---")
	a.AutoAssign = yes(ask("Let the assistant take new conversations?", "yes"))
	a.LLMBaseURL = ask("Language model base URL (OpenAI compatible)", "https://api.openai.com/v1")
	a.LLMModel = ask("Model (empty to disable generated replies)", "")
	if a.LLMModel != "" {
		a.LLMAPIKey = ask("API key (or ${ENV_VAR})", "${OPENAI_API_KEY}")
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	a.LogLevel = ask("Log level (debug/info/warn/error)", "info")
	a.LogFormat = ask("Log format (text/json)", "text")

	var err error
	if a.JWTSecret, err = randomSecret(32); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	if a.ProviderToken, err = randomSecret(24); err != nil {
		return fmt.Errorf("generating provider token: %w", err)
	}
	if a.VAPID, err = push.GenerateVAPIDKeys(); err != nil {
		return fmt.Errorf("generating VAPID keys: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// catch a template or answer that the server would reject
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  switchboard token --operator you@example.com --admin   # mint a dashboard token")
	fmt.Fprintln(out, "  switchboard serve")
	return nil
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	line := func(format string, args ...any) { fmt.Fprintf(&b, format+"\n", args...) }

	line("# switchboard configuration")
	line("# Generated by switchboard init")
	line("")
	line("server:")
	line("  http_addr: %q", a.HTTPAddr)
	if a.GRPCAddr != "" {
		line("  grpc_addr: %q", a.GRPCAddr)
	}
	line("  public_url: %q", a.PublicURL)
	line("")
	line("database:")
	line("  path: %q", a.DBPath)
	line("")
	line("tailscale:")
	line("  enabled: %t", a.Tailscale)
	if a.Tailscale {
		line("  hostname: %q", a.TSHostname)
		if a.TSAuthKey != "" {
			line("  auth_key: %q", a.TSAuthKey)
		}
	}
	line("")
	line("auth:")
	line("  jwt_secret: %q", a.JWTSecret)
	line("  provider_token: %q", a.ProviderToken)
	line("  token_ttl: \"720h\"")
	line("")
	line("channels:")
	line("  matrix:")
	line("    enabled: false")
	line("  # http:")
	line("  #   - name: whatsapp")
	line("  #     base_url: \"https://gateway.example.com\"")
	line("  #     token: \"${WHATSAPP_GATEWAY_TOKEN}\"")
	line("")
	line("assistant:")
	line("  auto_assign: %t", a.AutoAssign)
	line("  keywords: [\"human\", \"agent\", \"refund\", \"complaint\"]")
	line("")
	if a.LLMModel != "" {
		line("llm:")
		line("  base_url: %q", a.LLMBaseURL)
		line("  model: %q", a.LLMModel)
		line("  api_key: %q", a.LLMAPIKey)
		line("")
	}
	line("push:")
	line("  vapid_public_key: %q", a.VAPID.PublicKey)
	line("  vapid_private_key: %q", a.VAPID.PrivateKey)
	line("")
	line("notifications:")
	line("  retention: \"720h\"")
	line("")
	line("logging:")
	line("  level: %q", a.LogLevel)
	line("  format: %q", a.LogFormat)
	line("")
	line("metrics:")
	line("  enabled: false")
	line("  path: \"/metrics\"")
	return b.String()
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		// EOF takes the default
		fmt.Fprintln(out)
		return defaultVal
	}
	if input == "" {
		return defaultVal
	}
	return input
}
