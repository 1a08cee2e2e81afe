// ABOUTME: Realtime stream endpoint and room membership for dashboard connections
// ABOUTME: Joining a conversation room is what marks an operator present in that conversation

package api

import (
	"net/http"
	"strings"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/realtime"
)

// RoomRequest is the JSON request body for POST /api/stream/join and /api/stream/leave.
type RoomRequest struct {
	ClientID string `json:"client_id" validate:"required"`
	Room     string `json:"room" validate:"required"`
}

// handleStream handles GET /api/stream. The connection sits in the
// operator's own room and the dashboard room, plus any ?conversation= ids.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	operator := auth.MustFromContext(r.Context()).OperatorID

	rooms := []string{realtime.DashboardRoom}
	for _, id := range r.URL.Query()["conversation"] {
		if id = strings.TrimSpace(id); id != "" {
			rooms = append(rooms, realtime.ConversationRoom(id))
		}
	}

	ch, clientID := s.deps.Hub.Connect(r.Context(), operator, rooms...)
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	s.logger.Debug("stream opened", "operator_id", operator, "client_id", clientID)
	if err := realtime.Stream(r.Context(), w, clientID, ch); err != nil {
		s.logger.Debug("stream ended", "client_id", clientID, "error", err)
	}
}

// roomAllowed limits joins to shared rooms; operator rooms are private
func roomAllowed(room string) bool {
	return room == realtime.DashboardRoom || strings.HasPrefix(room, realtime.ConversationRoom(""))
}

func (s *Server) roomRequest(w http.ResponseWriter, r *http.Request) (RoomRequest, bool) {
	var req RoomRequest
	if !s.decode(w, r, &req) {
		return req, false
	}
	if !roomAllowed(req.Room) {
		sendJSONError(w, http.StatusBadRequest, "cannot join room "+req.Room)
		return req, false
	}
	owner, ok := s.deps.Hub.Owner(req.ClientID)
	if !ok || owner != auth.MustFromContext(r.Context()).OperatorID {
		sendJSONError(w, http.StatusNotFound, "unknown client")
		return req, false
	}
	return req, true
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	req, ok := s.roomRequest(w, r)
	if !ok {
		return
	}
	if err := s.deps.Hub.Join(r.Context(), req.ClientID, req.Room); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	req, ok := s.roomRequest(w, r)
	if !ok {
		return
	}
	if err := s.deps.Hub.Leave(r.Context(), req.ClientID, req.Room); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
