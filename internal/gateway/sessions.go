package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/homesteadhq/homestead/internal/fault"
)

// handleSessions serves /api/sessions: list sessions for a chat, or create
// one (the new session becomes the chat's active session).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		chatID, err := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
		if err != nil {
			writeFault(w, fault.New(fault.KindValidation, "chat_id query parameter is required"))
			return
		}
		sessions, err := s.cfg.Store.ListSessions(ctx, chatID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})

	case http.MethodPost:
		var req struct {
			ChatID int64  `json:"chat_id"`
			Name   string `json:"name"`
			Model  string `json:"model"`
			UserID int64  `json:"user_id"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeFault(w, err)
			return
		}
		if req.Name == "" {
			writeFault(w, fault.New(fault.KindValidation, "name is required"))
			return
		}
		model := req.Model
		if model == "" {
			model = s.cfg.DefaultModel
		}
		if !s.cfg.KnownModelTag(model) {
			writeFault(w, fault.New(fault.KindValidation, "unknown model tag %q", model))
			return
		}
		sess, err := s.cfg.Store.CreateSession(ctx, req.ChatID, req.Name, model, req.UserID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)

	default:
		methodNotAllowed(w)
	}
}

// handleSessionItem serves /api/sessions/{chat_id}/{name} and the
// /activate and /model subresources.
func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	ctx := r.Context()

	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		writeFault(w, fault.New(fault.KindValidation, "path must be /api/sessions/{chat_id}/{name}"))
		return
	}
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeFault(w, fault.New(fault.KindValidation, "chat_id must be an integer"))
		return
	}
	name := parts[1]
	action := ""
	if len(parts) == 3 {
		action = parts[2]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sess, err := s.cfg.Store.GetSession(ctx, chatID, name)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)

	case action == "" && r.Method == http.MethodDelete:
		if err := s.cfg.Store.DeleteSession(ctx, chatID, name); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case action == "activate" && r.Method == http.MethodPost:
		if err := s.cfg.Store.ActivateSession(ctx, chatID, name); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})

	case action == "model" && r.Method == http.MethodPost:
		var req struct {
			Model string `json:"model"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeFault(w, err)
			return
		}
		if !s.cfg.KnownModelTag(req.Model) {
			writeFault(w, fault.New(fault.KindValidation, "unknown model tag %q", req.Model))
			return
		}
		if err := s.cfg.Store.SetSessionModel(ctx, chatID, name, req.Model); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "model": req.Model})

	default:
		methodNotAllowed(w)
	}
}
