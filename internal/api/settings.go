// ABOUTME: Hand-off keyword administration backed by the settings table
// ABOUTME: Updates apply to the live classifier immediately

package api

import (
	"net/http"

	"github.com/2389/switchboard/internal/auth"
)

// KeywordsRequest is the JSON request body for PUT /api/settings/handoff-keywords.
// Order matters: the first matching keyword is reported as the trigger.
type KeywordsRequest struct {
	Keywords []string `json:"keywords" validate:"required,max=500,dive,required,max=100"`
}

func (s *Server) handleGetKeywords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"keywords": s.deps.Keywords.List()})
}

func (s *Server) handlePutKeywords(w http.ResponseWriter, r *http.Request) {
	var req KeywordsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Keywords.Update(r.Context(), req.Keywords); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info("handoff keywords updated",
		"operator_id", auth.MustFromContext(r.Context()).OperatorID,
		"count", len(s.deps.Keywords.List()))
	writeJSON(w, http.StatusOK, map[string][]string{"keywords": s.deps.Keywords.List()})
}
