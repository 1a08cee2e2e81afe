// ABOUTME: Conversation endpoints: listing, ledger, messages, notes, tags and lifecycle transitions
// ABOUTME: Every transition is attributed to the authenticated operator

package api

import (
	"net/http"
	"strings"

	"github.com/samber/lo"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/eligibility"
	"github.com/2389/switchboard/internal/inbox"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/view"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 200
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
// Internal messages are notes for other operators and never reach the customer.
type SendMessageRequest struct {
	Text     string       `json:"text" validate:"required_without=Media,max=4096"`
	Media    *store.Media `json:"media,omitempty"`
	ReplyTo  string       `json:"reply_to,omitempty"`
	Internal bool         `json:"internal,omitempty"`
}

// NoteRequest is the JSON request body for POST /api/conversations/{id}/notes.
type NoteRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}

// TagRequest is the JSON request body for PUT /api/conversations/{id}/tags/{key}.
type TagRequest struct {
	Value string `json:"value" validate:"max=256"`
}

// AssignRequest is the JSON request body for POST /api/conversations/{id}/assign.
// An empty body assigns the conversation to the caller.
type AssignRequest struct {
	OperatorID string `json:"operator_id,omitempty"`
	Assistant  bool   `json:"assistant,omitempty"`
}

// CloseRequest is the JSON request body for POST /api/conversations/{id}/close.
type CloseRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=256"`
	Note   string `json:"note,omitempty" validate:"max=4096"`
}

// ReactionRequest is the JSON request body for PUT /api/messages/{id}/reaction.
// An empty emoji removes the caller's reaction.
type ReactionRequest struct {
	Emoji string `json:"emoji" validate:"max=32"`
}

// handleListConversations handles GET /api/conversations.
// Supports ?status=, ?assignee=unassigned|assistant|human|me and ?limit=.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ConversationFilter{
		Status: store.ConversationStatus(q.Get("status")),
		Limit:  queryLimit(r, defaultListLimit, maxListLimit),
	}
	if f.Status != "" && !lo.Contains([]store.ConversationStatus{store.ConversationOpen, store.ConversationAssigned, store.ConversationClosed}, f.Status) {
		sendJSONError(w, http.StatusBadRequest, "unknown status "+string(f.Status))
		return
	}

	switch assignee := q.Get("assignee"); assignee {
	case "":
	case "me":
		f.AssigneeKind = store.AssigneeHuman
		f.OperatorID = auth.MustFromContext(r.Context()).OperatorID
	case string(store.AssigneeUnassigned), string(store.AssigneeAssistant), string(store.AssigneeHuman):
		f.AssigneeKind = store.AssigneeKind(assignee)
		f.OperatorID = q.Get("operator_id")
	default:
		sendJSONError(w, http.StatusBadRequest, "unknown assignee "+assignee)
		return
	}

	convs, err := s.deps.Conversations.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": view.Conversations(convs)})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.deps.Conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Conversation(conv))
}

func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Conversations.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": view.Events(events)})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Conversations.Get(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	msgs, err := s.deps.Messages.List(r.Context(), id, queryLimit(r, defaultMessageLimit, maxMessageLimit))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "messages": view.Messages(msgs)})
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
// A channel failure still answers 201 with the message in status failed.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	operator := auth.MustFromContext(r.Context()).OperatorID
	id := r.PathValue("id")

	if req.Internal {
		if req.Media != nil || strings.TrimSpace(req.Text) == "" {
			sendJSONError(w, http.StatusBadRequest, "internal messages carry text only")
			return
		}
		m, err := s.deps.Inbox.Note(r.Context(), id, operator, req.Text)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, view.Message(m))
		return
	}

	m, err := s.deps.Inbox.Send(r.Context(), inbox.Outgoing{
		ConversationID: id,
		OperatorID:     operator,
		Text:           req.Text,
		Media:          req.Media,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view.Message(m))
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	operator := auth.MustFromContext(r.Context()).OperatorID
	note, err := s.deps.Conversations.AddNote(r.Context(), r.PathValue("id"), operator, req.Text)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view.Note(*note))
}

func (s *Server) handleSetTag(w http.ResponseWriter, r *http.Request) {
	var req TagRequest
	if !s.decode(w, r, &req) {
		return
	}
	conv, err := s.deps.Conversations.SetTag(r.Context(), r.PathValue("id"), r.PathValue("key"), req.Value)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Conversation(conv))
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	conv, err := s.deps.Conversations.RemoveTag(r.Context(), r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Conversation(conv))
}

// handleAssign handles POST /api/conversations/{id}/assign.
// Only active human operators with conversation access can be assignees.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	caller := auth.MustFromContext(r.Context()).OperatorID

	assignee := store.Assistant()
	if !req.Assistant {
		target := lo.Ternary(req.OperatorID == "", caller, req.OperatorID)
		op, err := s.deps.Store.GetOperator(r.Context(), target)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if !eligibility.IsEligible(op) {
			sendJSONError(w, http.StatusBadRequest, "operator "+target+" cannot take conversations")
			return
		}
		assignee = store.Human(target)
	}

	conv, err := s.deps.Conversations.AssignTo(r.Context(), r.PathValue("id"), assignee, &caller)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Conversation(conv))
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context()).OperatorID
	conv, err := s.deps.Conversations.Unassign(r.Context(), r.PathValue("id"), &caller)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Conversation(conv))
}

// handleClose handles POST /api/conversations/{id}/close.
// Closing a closed conversation answers 200 with changed=false.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	caller := auth.MustFromContext(r.Context()).OperatorID
	conv, changed, err := s.deps.Conversations.Close(r.Context(), r.PathValue("id"), &caller,
		lo.EmptyableToPtr(strings.TrimSpace(req.Reason)), lo.EmptyableToPtr(strings.TrimSpace(req.Note)))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "conversation": view.Conversation(conv)})
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context()).OperatorID
	conv, changed, err := s.deps.Conversations.Reopen(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "conversation": view.Conversation(conv)})
}

func (s *Server) handleReact(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller := auth.MustFromContext(r.Context()).OperatorID
	m, err := s.deps.Inbox.React(r.Context(), r.PathValue("id"), caller, req.Emoji)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Message(m))
}
