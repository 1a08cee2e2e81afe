// ABOUTME: Provider callback endpoints for REST messaging gateways
// ABOUTME: Inbound messages, delivery statuses and reactions are handed to the inbox

package api

import (
	"net/http"

	"github.com/samber/lo"

	"github.com/2389/switchboard/internal/channel"
)

// channelFromPath resolves the {channel} path value against the configured
// channels. Unknown channels answer 404.
func (s *Server) channelFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("channel")
	if s.deps.Channels != nil && !lo.Contains(s.deps.Channels.Names(), name) {
		sendJSONError(w, http.StatusNotFound, "unknown channel "+name)
		return "", false
	}
	return name, true
}

// handleProviderInbound handles POST /provider/{channel}/inbound.
// Re-deliveries of the same external id answer 202 without side effects.
func (s *Server) handleProviderInbound(w http.ResponseWriter, r *http.Request) {
	name, ok := s.channelFromPath(w, r)
	if !ok {
		return
	}
	var in channel.Inbound
	in.Channel = name
	if !s.decode(w, r, &in) {
		return
	}
	in.Channel = name

	if err := s.deps.Inbox.HandleInbound(r.Context(), in); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleProviderStatus handles POST /provider/{channel}/status. Callbacks
// that arrive before the message is recorded are held and applied later.
func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := s.channelFromPath(w, r)
	if !ok {
		return
	}
	var up channel.StatusUpdate
	if !s.decode(w, r, &up) {
		return
	}
	up.Channel = name

	if err := s.deps.Inbox.HandleStatus(r.Context(), up); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleProviderReaction(w http.ResponseWriter, r *http.Request) {
	name, ok := s.channelFromPath(w, r)
	if !ok {
		return
	}
	var up channel.ReactionUpdate
	if !s.decode(w, r, &up) {
		return
	}
	up.Channel = name

	if err := s.deps.Inbox.HandleReaction(r.Context(), up); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
