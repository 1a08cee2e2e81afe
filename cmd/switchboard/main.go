// ABOUTME: Entry point for the switchboard customer chat server
// ABOUTME: Subcommands to serve, write a config, mint operator tokens and inspect state

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/server"
)

// Version is set at build time.
var version = "dev"

const banner = `
              _ _       _     _                         _
 _____      _(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
/ __\ \ /\ / / | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
\__ \\ V  V /| | || (__| | | | |_) | (_) | (_| | | | (_| |
|___/ \_/\_/ |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

// defaultConfigPath returns the path to the config file.
// Priority: SWITCHBOARD_CONFIG env var > XDG_CONFIG_HOME/switchboard/config.yaml > ~/.config/switchboard/config.yaml
func defaultConfigPath() string {
	if envPath := os.Getenv("SWITCHBOARD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "switchboard.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "switchboard", "config.yaml")
}

// defaultDataPath returns the data directory.
// Priority: XDG_DATA_HOME/switchboard > ~/.local/share/switchboard
func defaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "switchboard")
}

// loadConfig reads .env next to the config file and in the working
// directory before parsing the YAML.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadDotenv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "switchboard",
		Short:         "Customer chat routing between messaging channels, an assistant and operators",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newInitCmd(&configPath))
	cmd.AddCommand(newTokenCmd(&configPath))
	cmd.AddCommand(newConversationsCmd(&configPath))
	cmd.AddCommand(newHealthCmd(&configPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "switchboard %s\n", version)
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the switchboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), *configPath)
		},
	}
}

func runServe(ctx context.Context, out io.Writer, configPath string) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Config:    %s\n", configPath)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Dashboard: %s\n", cfg.Server.PublicURL)
	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprint(out, "Tailscale: ")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	}
	if !cfg.LLM.Enabled() {
		yellow.Fprint(out, "    ! ")
		fmt.Fprintln(out, "No language model configured")
	}
	fmt.Fprintln(out)

	logger.Info("starting switchboard",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func newHealthCmd(configPath *string) *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), healthURL(cfg, ready))
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "check readiness (database reachable) instead of liveness")
	return cmd
}

// healthURL targets the local listener, or the public URL under tailscale
func healthURL(cfg *config.Config, ready bool) string {
	base := "http://" + cfg.Server.HTTPAddr
	if cfg.Tailscale.Enabled {
		base = cfg.Server.PublicURL
	}
	if ready {
		return base + "/health/ready"
	}
	return base + "/health"
}

func runHealth(ctx context.Context, out io.Writer, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}
	fmt.Fprintf(out, "healthy: %s\n", body)
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
