// ABOUTME: Operator notification inbox, notification preferences and push subscription endpoints
// ABOUTME: Every route acts on the authenticated operator's own records

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/view"
)

// PreferencesRequest is the JSON request body for PUT /api/preferences.
// Omitted fields keep their current value.
type PreferencesRequest struct {
	Enabled             *bool `json:"enabled"`
	MessageAll          *bool `json:"message_all"`
	MessageAssignedToMe *bool `json:"message_assigned_to_me"`
	MessageUnassigned   *bool `json:"message_unassigned"`
	Escalation          *bool `json:"escalation"`
}

// PushKeys are the browser-generated Web Push keys
type PushKeys struct {
	P256dh string `json:"p256dh" validate:"required"`
	Auth   string `json:"auth" validate:"required"`
}

// PushSubscriptionRequest is the JSON request body for POST /api/push/subscriptions.
type PushSubscriptionRequest struct {
	Kind     string    `json:"kind" validate:"required,oneof=webpush slack discord"`
	Endpoint string    `json:"endpoint" validate:"required,url,startswith=https://"`
	Keys     *PushKeys `json:"keys,omitempty" validate:"required_if=Kind webpush"`
}

// PushSubscriptionResponse is one registered endpoint; keys are never echoed
type PushSubscriptionResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Endpoint  string `json:"endpoint"`
	CreatedAt string `json:"created_at"`
}

// handleListNotifications handles GET /api/notifications.
// Supports ?unread=true, ?archived=true and ?limit=.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	operator := auth.MustFromContext(r.Context()).OperatorID
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	archived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))

	ns, err := s.deps.Store.ListNotifications(r.Context(), operator, store.NotificationFilter{
		UnreadOnly:      unreadOnly,
		IncludeArchived: archived,
		Limit:           queryLimit(r, defaultListLimit, maxListLimit),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	unread, err := s.deps.Store.CountUnreadNotifications(r.Context(), operator)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": view.Notifications(ns),
		"unread":        unread,
	})
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	operator := auth.MustFromContext(r.Context()).OperatorID
	if err := s.deps.Store.MarkNotificationRead(r.Context(), operator, r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadAllNotifications(w http.ResponseWriter, r *http.Request) {
	operator := auth.MustFromContext(r.Context()).OperatorID
	n, err := s.deps.Store.MarkAllNotificationsRead(r.Context(), operator)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) handleArchiveNotification(w http.ResponseWriter, r *http.Request) {
	operator := auth.MustFromContext(r.Context()).OperatorID
	if err := s.deps.Store.ArchiveNotification(r.Context(), operator, r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.deps.Store.GetPreferences(r.Context(), auth.MustFromContext(r.Context()).OperatorID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if !s.decode(w, r, &req) {
		return
	}
	operator := auth.MustFromContext(r.Context()).OperatorID
	prefs, err := s.deps.Store.GetPreferences(r.Context(), operator)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	prefs.OperatorID = operator
	prefs.Enabled = lo.FromPtrOr(req.Enabled, prefs.Enabled)
	prefs.MessageAll = lo.FromPtrOr(req.MessageAll, prefs.MessageAll)
	prefs.MessageAssignedToMe = lo.FromPtrOr(req.MessageAssignedToMe, prefs.MessageAssignedToMe)
	prefs.MessageUnassigned = lo.FromPtrOr(req.MessageUnassigned, prefs.MessageUnassigned)
	prefs.Escalation = lo.FromPtrOr(req.Escalation, prefs.Escalation)

	if err := s.deps.Store.SavePreferences(r.Context(), prefs); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// handleVAPIDKey serves the application server key browsers need to subscribe
func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.deps.VAPIDPublicKey == "" {
		sendJSONError(w, http.StatusNotFound, "web push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": s.deps.VAPIDPublicKey})
}

func (s *Server) handleListPushSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Store.ListPushSubscriptions(r.Context(), auth.MustFromContext(r.Context()).OperatorID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": lo.Map(subs, func(sub *store.PushSubscription, _ int) PushSubscriptionResponse {
			return pushSubscriptionResponse(sub)
		}),
	})
}

func (s *Server) handleAddPushSubscription(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	kind := store.PushKind(req.Kind)
	if s.deps.PushSupport != nil && !s.deps.PushSupport.Supports(kind) {
		sendJSONError(w, http.StatusBadRequest, req.Kind+" push is not configured")
		return
	}

	sub := &store.PushSubscription{
		ID:         uuid.New().String(),
		OperatorID: auth.MustFromContext(r.Context()).OperatorID,
		Kind:       kind,
		Endpoint:   req.Endpoint,
		CreatedAt:  time.Now().UTC(),
	}
	if req.Keys != nil {
		sub.P256dh = req.Keys.P256dh
		sub.Auth = req.Keys.Auth
	}
	if err := s.deps.Store.AddPushSubscription(r.Context(), sub); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("push subscription added", "operator_id", sub.OperatorID, "kind", sub.Kind)
	writeJSON(w, http.StatusCreated, pushSubscriptionResponse(sub))
}

func (s *Server) handleDeletePushSubscription(w http.ResponseWriter, r *http.Request) {
	operator := auth.MustFromContext(r.Context()).OperatorID
	if err := s.deps.Store.DeletePushSubscription(r.Context(), operator, r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pushSubscriptionResponse(sub *store.PushSubscription) PushSubscriptionResponse {
	return PushSubscriptionResponse{
		ID:        sub.ID,
		Kind:      string(sub.Kind),
		Endpoint:  sub.Endpoint,
		CreatedAt: sub.CreatedAt.UTC().Format(time.RFC3339),
	}
}
