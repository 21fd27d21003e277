package gateway

import (
	"net/http"
	"strings"

	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/persistence"
)

// handleTasks serves /api/tasks: list (optionally filtered by status) or
// create.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		status := persistence.TaskStatus(r.URL.Query().Get("status"))
		if status != "" && !persistence.ValidTaskStatus(status) {
			writeFault(w, fault.New(fault.KindValidation, "unknown status %q", status))
			return
		}
		tasks, err := s.cfg.Store.ListTasks(ctx, status)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})

	case http.MethodPost:
		var req struct {
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Priority    string   `json:"priority"`
			Assignee    string   `json:"assignee"`
			DependsOn   []string `json:"depends_on"`
			Tags        []string `json:"tags"`
			Source      string   `json:"source"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeFault(w, err)
			return
		}
		if req.Title == "" {
			writeFault(w, fault.New(fault.KindValidation, "title is required"))
			return
		}
		priority := persistence.TaskPriority(req.Priority)
		if priority == "" {
			priority = persistence.PriorityNormal
		}
		if !persistence.ValidTaskPriority(priority) {
			writeFault(w, fault.New(fault.KindValidation, "unknown priority %q", req.Priority))
			return
		}
		task, err := s.cfg.Store.InsertTask(ctx, persistence.Task{
			Title:       req.Title,
			Description: req.Description,
			Priority:    priority,
			Assignee:    req.Assignee,
			DependsOn:   req.DependsOn,
			Tags:        req.Tags,
			Source:      req.Source,
		})
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)

	default:
		methodNotAllowed(w)
	}
}

// handleTaskItem serves /api/tasks/{id} plus the status, blockers, and
// notes subresources.
func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	ctx := r.Context()

	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeFault(w, fault.New(fault.KindValidation, "task id is required"))
		return
	}
	sub := parts[1:]

	switch {
	case len(sub) == 0 && r.Method == http.MethodGet:
		task, err := s.cfg.Store.GetTask(ctx, id)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case len(sub) == 0 && r.Method == http.MethodDelete:
		if err := s.cfg.Store.DeleteTask(ctx, id); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case len(sub) == 1 && sub[0] == "status" && r.Method == http.MethodPost:
		var req struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeFault(w, err)
			return
		}
		status := persistence.TaskStatus(req.Status)
		if !persistence.ValidTaskStatus(status) {
			writeFault(w, fault.New(fault.KindValidation, "unknown status %q", req.Status))
			return
		}
		task, err := s.cfg.Store.SetTaskStatus(ctx, id, status)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case len(sub) == 1 && sub[0] == "blockers" && r.Method == http.MethodPost:
		var req struct {
			Kind        string `json:"kind"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeFault(w, err)
			return
		}
		kind := persistence.BlockerKind(req.Kind)
		if !persistence.ValidBlockerKind(kind) {
			writeFault(w, fault.New(fault.KindValidation, "unknown blocker kind %q", req.Kind))
			return
		}
		task, err := s.cfg.Store.AddBlocker(ctx, id, kind, req.Description)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case len(sub) == 3 && sub[0] == "blockers" && sub[2] == "resolve" && r.Method == http.MethodPost:
		var req struct {
			ResolvedBy string `json:"resolved_by"`
			Resolution string `json:"resolution"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeFault(w, err)
			return
		}
		task, err := s.cfg.Store.ResolveBlocker(ctx, id, sub[1], req.ResolvedBy, req.Resolution)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case len(sub) == 1 && sub[0] == "notes" && r.Method == http.MethodPost:
		var req struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeFault(w, err)
			return
		}
		if req.Text == "" {
			writeFault(w, fault.New(fault.KindValidation, "text is required"))
			return
		}
		task, err := s.cfg.Store.AddTaskNote(ctx, id, req.Text)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	default:
		methodNotAllowed(w)
	}
}
