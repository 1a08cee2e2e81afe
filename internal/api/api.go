// ABOUTME: Operator HTTP API and provider callback endpoints
// ABOUTME: Routes requests to the conversation, message, inbox and notification services

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/inbox"
	"github.com/2389/switchboard/internal/message"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/realtime"
	"github.com/2389/switchboard/internal/store"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// Store is the persistence the API reads directly: operators, notifications,
// preferences and push subscriptions.
type Store interface {
	GetOperator(ctx context.Context, id string) (*store.Operator, error)
	ListNotifications(ctx context.Context, recipientID string, f store.NotificationFilter) ([]*store.Notification, error)
	CountUnreadNotifications(ctx context.Context, recipientID string) (int, error)
	MarkNotificationRead(ctx context.Context, recipientID, id string) error
	MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error)
	ArchiveNotification(ctx context.Context, recipientID, id string) error
	GetPreferences(ctx context.Context, operatorID string) (store.Preferences, error)
	SavePreferences(ctx context.Context, p store.Preferences) error
	AddPushSubscription(ctx context.Context, sub *store.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, operatorID string) ([]*store.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, operatorID, id string) error
}

// PushSupport reports which offline push kinds are configured
type PushSupport interface {
	Supports(kind store.PushKind) bool
}

// ChannelNames lists the channels provider callbacks may name
type ChannelNames interface {
	Names() []string
}

// Deps wires the API. PushSupport and Channels may be nil, in which case
// every push kind and channel name is accepted.
type Deps struct {
	Store          Store
	Conversations  *conversation.Service
	Messages       *message.Service
	Inbox          *inbox.Inbox
	Hub            *realtime.Hub
	Keywords       *handoff.Keywords
	Verifier       auth.TokenVerifier
	ProviderToken  string
	VAPIDPublicKey string
	PushSupport    PushSupport
	Channels       ChannelNames
	Logger         *slog.Logger
}

// Server serves the HTTP API
type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates an API server
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "api"),
	}
}

// Register mounts every route on mux
func (s *Server) Register(mux *http.ServeMux) {
	authed := auth.HTTPAuthMiddleware(s.deps.Store, s.deps.Verifier)
	access := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireCapability(store.CapabilityConversationAccess)(h))
	}
	self := func(h http.HandlerFunc) http.Handler { return authed(h) }
	settings := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireCapability(store.CapabilitySettings)(h))
	}
	provider := auth.ProviderTokenMiddleware(s.deps.ProviderToken)

	mux.Handle("GET /api/me", self(s.handleMe))

	mux.Handle("GET /api/conversations", access(s.handleListConversations))
	mux.Handle("GET /api/conversations/{id}", access(s.handleGetConversation))
	mux.Handle("GET /api/conversations/{id}/events", access(s.handleConversationEvents))
	mux.Handle("GET /api/conversations/{id}/messages", access(s.handleListMessages))
	mux.Handle("POST /api/conversations/{id}/messages", access(s.handleSendMessage))
	mux.Handle("POST /api/conversations/{id}/notes", access(s.handleAddNote))
	mux.Handle("PUT /api/conversations/{id}/tags/{key}", access(s.handleSetTag))
	mux.Handle("DELETE /api/conversations/{id}/tags/{key}", access(s.handleRemoveTag))
	mux.Handle("POST /api/conversations/{id}/assign", access(s.handleAssign))
	mux.Handle("POST /api/conversations/{id}/unassign", access(s.handleUnassign))
	mux.Handle("POST /api/conversations/{id}/close", access(s.handleClose))
	mux.Handle("POST /api/conversations/{id}/reopen", access(s.handleReopen))
	mux.Handle("PUT /api/messages/{id}/reaction", access(s.handleReact))

	mux.Handle("GET /api/notifications", self(s.handleListNotifications))
	mux.Handle("POST /api/notifications/read-all", self(s.handleReadAllNotifications))
	mux.Handle("POST /api/notifications/{id}/read", self(s.handleReadNotification))
	mux.Handle("POST /api/notifications/{id}/archive", self(s.handleArchiveNotification))
	mux.Handle("GET /api/preferences", self(s.handleGetPreferences))
	mux.Handle("PUT /api/preferences", self(s.handlePutPreferences))
	mux.HandleFunc("GET /api/push/vapid-public-key", s.handleVAPIDKey)
	mux.Handle("GET /api/push/subscriptions", self(s.handleListPushSubscriptions))
	mux.Handle("POST /api/push/subscriptions", self(s.handleAddPushSubscription))
	mux.Handle("DELETE /api/push/subscriptions/{id}", self(s.handleDeletePushSubscription))

	mux.Handle("GET /api/settings/handoff-keywords", settings(s.handleGetKeywords))
	mux.Handle("PUT /api/settings/handoff-keywords", settings(s.handlePutKeywords))

	mux.Handle("GET /api/stream", access(s.handleStream))
	mux.Handle("POST /api/stream/join", access(s.handleJoinRoom))
	mux.Handle("POST /api/stream/leave", access(s.handleLeaveRoom))

	mux.Handle("POST /provider/{channel}/inbound", provider(http.HandlerFunc(s.handleProviderInbound)))
	mux.Handle("POST /provider/{channel}/status", provider(http.HandlerFunc(s.handleProviderStatus)))
	mux.Handle("POST /provider/{channel}/reaction", provider(http.HandlerFunc(s.handleProviderReaction)))
}

// Handler returns the routes wrapped in request metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return Instrument(mux)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           a.OperatorID,
		"display_name": a.DisplayName,
		"capabilities": a.Capabilities,
	})
}

// decode reads a JSON body into v and validates it
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		sendJSONError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage reports the first failed field
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fe.Field() + " failed " + fe.Tag() + "=" + fe.Param()
		}
		return fe.Field() + " failed " + fe.Tag()
	}
	return err.Error()
}

// writeServiceError maps domain errors onto HTTP status codes
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate):
		sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// queryLimit parses ?limit=, falling back to def and capping at max
func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}

// statusRecorder captures the response code for metrics. It passes Flush
// through so SSE keeps streaming.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Instrument records request latency by method and status code
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPDuration.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
