// ABOUTME: Tests for the server orchestrator
// ABOUTME: Runs real listeners against a fake provider gateway and a temp database

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/push"
	"github.com/2389/switchboard/internal/store"
)

const (
	testSecret    = "server-test-secret-of-32-bytes!!"
	providerToken = "provider-secret"
)

// provider is a fake REST messaging gateway that records outgoing texts
type provider struct {
	mu    sync.Mutex
	texts []string
}

func (p *provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	p.mu.Lock()
	p.texts = append(p.texts, body.Text)
	n := len(p.texts)
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"id":"out-%d"}`, n)
}

func (p *provider) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// freeAddr finds an available loopback port
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig builds a config through the same parser the binary uses
func testConfig(t *testing.T, providerURL, extra string) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
server:
  grpc_addr: %q
  http_addr: %q
database:
  path: %q
auth:
  jwt_secret: %q
  provider_token: %q
channels:
  http:
    - name: sms
      base_url: %q
assistant:
  auto_assign: true
  greeting: "Hi, how can we help?"
  keywords: ["human"]
metrics:
  enabled: true
%s`, freeAddr(t), freeAddr(t), filepath.Join(t.TempDir(), "switchboard.db"),
		testSecret, providerToken, providerURL, extra)

	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func newServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	return s
}

// runServer starts Run and stops it when the test ends
func runServer(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	base := "http://" + s.config.Server.HTTPAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_WiresComponents(t *testing.T) {
	s := newServer(t, testConfig(t, "http://127.0.0.1:1", ""))
	defer s.Shutdown(context.Background())

	assert.NotNil(t, s.store)
	assert.NotNil(t, s.hub)
	assert.NotNil(t, s.inbox)
	assert.NotNil(t, s.responder)
	assert.NotNil(t, s.subscriber)
	assert.Nil(t, s.matrix, "matrix is off unless enabled")
	assert.Nil(t, s.redis, "memory presence by default")
	assert.Nil(t, s.mirror, "no AMQP mirror without a URL")
	assert.Equal(t, 1, s.channelCount())
}

func TestHealthEndpoints(t *testing.T) {
	s := newServer(t, testConfig(t, "http://127.0.0.1:1", ""))
	h := s.Handler()

	rec := get(t, h, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = get(t, h, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1 channels")

	require.NoError(t, s.store.Close())
	rec = get(t, h, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, testConfig(t, "http://127.0.0.1:1", ""))
	defer s.Shutdown(context.Background())

	rec := get(t, s.Handler(), "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "")
	cfg.Metrics.Enabled = false
	s := newServer(t, cfg)
	defer s.Shutdown(context.Background())

	rec := get(t, s.Handler(), "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVAPIDKeyServedWhenConfigured(t *testing.T) {
	s := newServer(t, testConfig(t, "http://127.0.0.1:1", ""))
	rec := get(t, s.Handler(), "/api/push/vapid-public-key", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, s.Shutdown(context.Background()))

	keys, err := push.GenerateVAPIDKeys()
	require.NoError(t, err)
	extra := fmt.Sprintf("push:\n  vapid_public_key: %q\n  vapid_private_key: %q\n", keys.PublicKey, keys.PrivateKey)
	s = newServer(t, testConfig(t, "http://127.0.0.1:1", extra))
	defer s.Shutdown(context.Background())

	rec = get(t, s.Handler(), "/api/push/vapid-public-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, keys.PublicKey, body["public_key"])
}

func TestNew_MissingKeywordsFile(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "")
	cfg.Assistant.KeywordsFile = filepath.Join(t.TempDir(), "missing.toml")

	_, err := New(context.Background(), cfg, testLogger())
	assert.Error(t, err)
}

func TestRun_InboundReachesProviderAndAPI(t *testing.T) {
	gw := &provider{}
	providerSrv := httptest.NewServer(gw)
	defer providerSrv.Close()

	s := newServer(t, testConfig(t, providerSrv.URL, ""))
	runServer(t, s)
	base := "http://" + s.config.Server.HTTPAddr

	body, _ := json.Marshal(map[string]any{
		"external_id":     "in-1",
		"counterparty_id": "+15550001",
		"display_name":    "Dana",
		"text":            "hello there",
	})
	req, err := http.NewRequest(http.MethodPost, base+"/provider/sms/inbound", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+providerToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// the assistant greets the first message through the provider
	require.Eventually(t, func() bool {
		return len(gw.sent()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Hi, how can we help?", gw.sent()[0])

	ctx := context.Background()
	require.NoError(t, s.store.CreateOperator(ctx, &store.Operator{
		ID: "alice", DisplayName: "Alice", Kind: store.OperatorHuman, Active: true,
		Capabilities: []string{store.CapabilityConversationAccess},
		CreatedAt:    time.Now().UTC(),
	}))
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)

	rec := get(t, s.Handler(), "/api/conversations", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Conversations []struct {
			ID             string `json:"id"`
			CounterpartyID string `json:"counterparty_id"`
		} `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "+15550001", list.Conversations[0].CounterpartyID)
}

// webhooks counts Slack webhook posts per path
type webhooks struct {
	mu    sync.Mutex
	posts map[string]int
}

func (h *webhooks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.posts[r.URL.Path]++
	h.mu.Unlock()
	_, _ = io.WriteString(w, "ok")
}

func (h *webhooks) count(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.posts[path]
}

func postInbound(t *testing.T, base, externalID, text string) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"external_id":     externalID,
		"counterparty_id": "+15550001",
		"display_name":    "Dana",
		"text":            text,
	})
	req, err := http.NewRequest(http.MethodPost, base+"/provider/sms/inbound", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+providerToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRun_EscalationNotifiesEachEligibleOperatorOnce(t *testing.T) {
	gw := &provider{}
	providerSrv := httptest.NewServer(gw)
	defer providerSrv.Close()
	hooks := &webhooks{posts: map[string]int{}}
	hookSrv := httptest.NewServer(hooks)
	defer hookSrv.Close()

	s := newServer(t, testConfig(t, providerSrv.URL, ""))
	ctx := context.Background()
	operators := []string{"alice", "bob"}
	for _, id := range operators {
		require.NoError(t, s.store.CreateOperator(ctx, &store.Operator{
			ID: id, DisplayName: id, Kind: store.OperatorHuman, Active: true,
			Capabilities: []string{store.CapabilityConversationAccess},
			CreatedAt:    time.Now().UTC(),
		}))
		require.NoError(t, s.store.AddPushSubscription(ctx, &store.PushSubscription{
			ID: "sub-" + id, OperatorID: id, Kind: store.PushSlack,
			Endpoint: hookSrv.URL + "/" + id, CreatedAt: time.Now().UTC(),
		}))
	}
	runServer(t, s)

	postInbound(t, "http://"+s.config.Server.HTTPAddr, "in-1", "please get me a human")

	rows := func(op string) []*store.Notification {
		ns, err := s.store.ListNotifications(ctx, op, store.NotificationFilter{IncludeArchived: true})
		require.NoError(t, err)
		return ns
	}
	// message.created reaches the notifier before conversation.escalated, so
	// once the escalation rows exist nothing else is still on its way
	require.Eventually(t, func() bool {
		return len(rows("alice")) > 0 && len(rows("bob")) > 0 && len(gw.sent()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	for _, op := range operators {
		got := rows(op)
		require.Len(t, got, 1, op)
		assert.Equal(t, "escalation", got[0].Type, op)
		require.Eventually(t, func() bool { return hooks.count("/"+op) >= 1 }, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, 1, hooks.count("/"+op), op)
	}
}

func TestRun_ProviderCallbacksNeedToken(t *testing.T) {
	s := newServer(t, testConfig(t, "http://127.0.0.1:1", ""))
	defer s.Shutdown(context.Background())

	req := httptest.NewRequest(http.MethodPost, "/provider/sms/inbound", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/provider/fax/inbound", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+providerToken)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRun_GRPCHealth(t *testing.T) {
	s := newServer(t, testConfig(t, "http://127.0.0.1:1", ""))
	runServer(t, s)

	conn, err := grpc.NewClient(s.config.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t, "http://127.0.0.1:1", "")
	cfg.Server.HTTPAddr = ln.Addr().String()
	s := newServer(t, cfg)

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/switchboard")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/switchboard", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, filepath.Join("switchboard", "tailscale"))
}

func TestAppendCloseError(t *testing.T) {
	errs := appendCloseError(nil, "store close", nil)
	assert.Empty(t, errs)

	cause := errors.New("boom")
	errs = appendCloseError(errs, "store close", cause)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], cause)
	assert.Equal(t, "store close: boom", errs[0].Error())
}
