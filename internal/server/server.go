// ABOUTME: Server orchestrator that wires storage, channels, assistant and notifications
// ABOUTME: Owns the HTTP and gRPC listeners, background workers and shutdown order

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/switchboard/internal/api"
	"github.com/2389/switchboard/internal/assistant"
	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/eligibility"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/inbox"
	"github.com/2389/switchboard/internal/knowledge"
	"github.com/2389/switchboard/internal/llm"
	"github.com/2389/switchboard/internal/message"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/notify"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/push"
	"github.com/2389/switchboard/internal/realtime"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/ttlcache"
)

// Server runs one switchboard instance.
type Server struct {
	config *config.Config
	logger *slog.Logger

	store    *store.SQLiteStore
	bus      *bus.Bus
	mirror   *bus.AMQPMirror
	redis    *redis.Client
	hub      *realtime.Hub
	messages *message.Service
	inbox    *inbox.Inbox
	matrix   *channel.Matrix
	index    *knowledge.Index

	responder  *assistant.Responder
	subscriber *notify.Subscriber
	retention  *notify.Retention

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// stopWorkers cancels the bus subscribers, retention and channel sync
	stopWorkers context.CancelFunc
	workers     sync.WaitGroup
}

// New builds every component from cfg. Nothing listens until Run.
// Components opened before a failure are closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Server, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		logger: logger.With("component", "server"),
	}
	defer func() {
		if err != nil {
			s.closeComponents()
		}
	}()

	s.store, err = store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s.bus = bus.New(logger)
	if cfg.Events.AMQPURL != "" {
		s.mirror, err = bus.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
		if err != nil {
			return nil, err
		}
		s.bus.SetMirror(s.mirror)
	}

	tracker, err := s.initPresence(ctx)
	if err != nil {
		return nil, err
	}
	s.hub = realtime.NewHub(tracker, logger)

	conversations := conversation.New(s.store, s.bus, logger)
	s.messages = message.New(s.store, logger,
		message.WithPendingCache(ttlcache.New[message.PendingStatus](cfg.Messages.PendingTTL, cfg.Messages.PendingMax)))

	channels, err := s.initChannels(logger)
	if err != nil {
		return nil, err
	}
	classifier, err := handoff.New(cfg.Assistant.Keywords, logger)
	if err != nil {
		return nil, fmt.Errorf("creating classifier: %w", err)
	}
	keywords := handoff.NewKeywords(s.store, classifier)
	if err := keywords.Load(ctx, cfg.Assistant.KeywordsFile); err != nil {
		return nil, err
	}

	s.inbox = inbox.New(inbox.Deps{
		Conversations: conversations,
		Messages:      s.messages,
		Channels:      channels,
		Classifier:    classifier,
		Bus:           s.bus,
		Live:          s.hub,
		Logger:        logger,
	})

	deps := assistant.Deps{
		Conversations: conversations,
		History:       s.messages,
		Replier:       s.inbox,
		Classifier:    classifier,
		Bus:           s.bus,
		Logger:        logger,
	}
	if cfg.LLM.Enabled() {
		model, err := llm.New(llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		deps.Model = model
	} else {
		s.logger.Warn("no llm.model configured - assistant sends greetings and hand-off acknowledgements only")
	}
	if cfg.Knowledge.Dir != "" {
		if err := s.initKnowledge(ctx, logger); err != nil {
			return nil, err
		}
		deps.Knowledge = s.index
	}
	s.responder = assistant.New(assistant.Config{
		AutoAssign:         cfg.Assistant.AutoAssign,
		Greeting:           cfg.Assistant.Greeting,
		Acknowledgement:    cfg.Assistant.Acknowledgement,
		SystemPrompt:       cfg.Assistant.SystemPrompt,
		HistoryWindow:      cfg.Assistant.HistoryWindow,
		PriorConversations: cfg.Assistant.PriorConversations,
		Concurrency:        cfg.Assistant.Concurrency,
	}, deps)

	pushRouter, webPush, err := s.initPush(logger)
	if err != nil {
		return nil, err
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		Store:    s.store,
		Presence: tracker,
		Live:     s.hub,
		Push:     pushRouter,
		LinkBase: cfg.Server.PublicURL,
		Logger:   logger,
	})
	s.subscriber = notify.NewSubscriber(dispatcher, eligibility.New(s.store), s.hub, logger)
	s.retention = notify.NewRetention(s.store, cfg.Notifications.Retention, cfg.Notifications.RetentionSchedule, logger)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	if cfg.Auth.ProviderToken == "" && len(cfg.Channels.HTTP) > 0 {
		s.logger.Warn("auth.provider_token not set - provider callbacks are unauthenticated")
	}
	apiDeps := api.Deps{
		Store:         s.store,
		Conversations: conversations,
		Messages:      s.messages,
		Inbox:         s.inbox,
		Hub:           s.hub,
		Keywords:      keywords,
		Verifier:      verifier,
		ProviderToken: cfg.Auth.ProviderToken,
		PushSupport:   pushRouter,
		Channels:      channels,
		Logger:        logger,
	}
	if webPush != nil {
		apiDeps.VAPIDPublicKey = webPush.PublicKey()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}
	api.New(apiDeps).Register(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	return s, nil
}

// initPresence picks the in-process tracker or the shared Redis one
func (s *Server) initPresence(ctx context.Context) (presence.Tracker, error) {
	cfg := s.config.Presence
	if cfg.Backend != "redis" {
		return presence.NewMemory(), nil
	}
	tracker, client, err := presence.NewRedisFromURL(ctx, cfg.RedisURL, cfg.Prefix, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("connecting presence store: %w", err)
	}
	s.redis = client
	s.logger.Info("presence backed by redis", "prefix", cfg.Prefix, "ttl", cfg.TTL)
	return tracker, nil
}

// initChannels registers the configured customer channels
func (s *Server) initChannels(logger *slog.Logger) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	for _, hc := range s.config.Channels.HTTP {
		adapter, err := channel.NewHTTP(channel.HTTPConfig{
			Name:    hc.Name,
			BaseURL: hc.BaseURL,
			Token:   hc.Token,
			Timeout: hc.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", hc.Name, err)
		}
		registry.Register(adapter)
	}
	if mc := s.config.Channels.Matrix; mc.Enabled {
		m, err := channel.NewMatrix(channel.MatrixConfig{
			Homeserver:   mc.Homeserver,
			UserID:       mc.UserID,
			AccessToken:  mc.AccessToken,
			AllowedRooms: mc.AllowedRooms,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("channel matrix: %w", err)
		}
		registry.Register(m)
		s.matrix = m
	}
	if len(registry.Names()) == 0 {
		s.logger.Warn("no channels configured - outgoing messages will fail")
	}
	return registry, nil
}

// initKnowledge opens the search index and indexes the knowledge directory
func (s *Server) initKnowledge(ctx context.Context, logger *slog.Logger) error {
	index, err := knowledge.Open(s.config.Knowledge.IndexPath, logger)
	if err != nil {
		return err
	}
	s.index = index
	n, err := index.IndexDirectory(ctx, s.config.Knowledge.Dir)
	if err != nil {
		return err
	}
	s.logger.Info("knowledge base indexed", "dir", s.config.Knowledge.Dir, "chunks", n)
	return nil
}

// initPush registers the offline push senders. Web Push is only available
// with VAPID keys; the returned sender is nil otherwise.
func (s *Server) initPush(logger *slog.Logger) (*push.Router, *push.WebPush, error) {
	router := push.NewRouter(logger)
	client := &http.Client{Timeout: 10 * time.Second}

	var webPush *push.WebPush
	if cfg := s.config.Push; cfg.WebPushEnabled() {
		wp, err := push.NewWebPush(push.VAPIDKeys{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
		}, cfg.Subject, client)
		if err != nil {
			return nil, nil, fmt.Errorf("web push: %w", err)
		}
		router.Register(store.PushWebPush, wp)
		webPush = wp
	}
	router.Register(store.PushSlack, push.NewSlack(client))
	discord, err := push.NewDiscord()
	if err != nil {
		return nil, nil, fmt.Errorf("discord push: %w", err)
	}
	router.Register(store.PushDiscord, discord)
	return router, webPush, nil
}

// Handler returns the HTTP handler without starting any listener
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// startWorkers attaches the bus subscribers and starts the background loops
func (s *Server) startWorkers(ctx context.Context) {
	ctx, s.stopWorkers = context.WithCancel(ctx)

	s.subscriber.Attach(ctx, s.bus)
	s.responder.Attach(ctx, s.bus)

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if err := s.retention.Run(ctx); err != nil {
			s.logger.Error("notification retention stopped", "error", err)
		}
	}()

	if s.matrix != nil {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if err := s.matrix.Run(ctx, s.inbox); err != nil {
				s.logger.Error("matrix channel stopped", "error", err)
			}
		}()
	}
}

// stopBackground cancels the workers and waits for them to return
func (s *Server) stopBackground() {
	if s.stopWorkers != nil {
		s.stopWorkers()
	}
	s.workers.Wait()
	s.responder.Wait()
}

// setupTCPListeners creates standard TCP listeners. The gRPC listener is
// nil when no gRPC address is configured.
func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting switchboard",
		"grpc_addr", s.config.Server.GRPCAddr,
		"http_addr", s.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if s.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.GRPCAddr != "" || s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning error channel.
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String(), "public_url", s.config.Server.PublicURL)
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		select {
		case more := <-errCh:
			s.logger.Error("additional server error", "error", more)
		default:
		}
		return err
	}
}

// Run starts the workers and servers and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or the first server error.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners(ctx)
	if err != nil {
		s.closeComponents()
		return err
	}

	s.startWorkers(ctx)
	errCh := s.startServers(grpcLn, httpLn)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	// the original context is already canceled
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "switchboard", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens for gRPC on :50051
// and HTTPS on :443.
func (s *Server) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = s.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = s.tailscaleTLSListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// tailscaleTLSListener serves HTTPS with the configured certificate files,
// falling back to certificates provisioned by the tailnet.
func (s *Server) tailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if tsCfg.CertFile != "" && tsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else {
		lc, err := s.tsnetServer.LocalClient()
		if err != nil {
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		tlsCfg.GetCertificate = lc.GetCertificate
	}

	s.logger.Info("enabling HTTPS on tailscale :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything New opened, in reverse dependency
// order. Fields that were never set are skipped.
func (s *Server) closeComponents() []error {
	var errs []error
	if s.inbox != nil {
		s.inbox.Close()
	}
	if s.messages != nil {
		s.messages.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.mirror != nil {
		errs = appendCloseError(errs, "amqp close", s.mirror.Close())
	}
	if s.index != nil {
		errs = appendCloseError(errs, "knowledge close", s.index.Close())
	}
	if s.redis != nil {
		errs = appendCloseError(errs, "redis close", s.redis.Close())
	}
	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	if s.store != nil {
		errs = appendCloseError(errs, "store close", s.store.Close())
	}
	return errs
}

// Shutdown stops the listeners, then the workers, then closes storage.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down switchboard")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	s.shutdownGRPCServer(ctx)
	s.stopBackground()
	errs = append(errs, s.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the database answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d channels)", s.channelCount())
}

func (s *Server) channelCount() int {
	n := len(s.config.Channels.HTTP)
	if s.matrix != nil {
		n++
	}
	return n
}
