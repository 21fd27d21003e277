package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/persistence"
	"github.com/homesteadhq/homestead/internal/scheduler"
)

type jobCreateRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	ScheduleKind string          `json:"schedule_kind"`
	ScheduleExpr string          `json:"schedule_expression"`
	ActionKind   string          `json:"action_kind"`
	ActionConfig json.RawMessage `json:"action_config"`
	Enabled      *bool           `json:"enabled"`
	Tags         []string        `json:"tags"`
	Source       string          `json:"source"`
}

// handleJobs serves /api/jobs: list all jobs, or create one. Schedule
// expression and action config are validated here, at the boundary; the
// store trusts what it is given.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		jobs, err := s.cfg.Store.ListJobs(ctx)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})

	case http.MethodPost:
		var req jobCreateRequest
		if err := decodeBody(r, &req); err != nil {
			writeFault(w, err)
			return
		}
		if req.Name == "" {
			writeFault(w, fault.New(fault.KindValidation, "name is required"))
			return
		}
		kind := persistence.ScheduleKind(req.ScheduleKind)
		if err := scheduler.ValidateSchedule(kind, req.ScheduleExpr); err != nil {
			writeFault(w, err)
			return
		}
		actionKind := persistence.ActionKind(req.ActionKind)
		if err := scheduler.ValidateActionConfig(actionKind, req.ActionConfig); err != nil {
			writeFault(w, err)
			return
		}

		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		var next *int64
		if enabled {
			var err error
			next, err = scheduler.Compute(kind, req.ScheduleExpr, time.Now())
			if err != nil {
				writeFault(w, err)
				return
			}
		}

		job, err := s.cfg.Store.InsertJob(ctx, persistence.Job{
			Name:         req.Name,
			Description:  req.Description,
			ScheduleKind: kind,
			ScheduleExpr: req.ScheduleExpr,
			ActionKind:   actionKind,
			ActionConfig: req.ActionConfig,
			Enabled:      enabled,
			NextRunAt:    next,
			Tags:         req.Tags,
			Source:       req.Source,
		})
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)

	default:
		methodNotAllowed(w)
	}
}

// handleJobItem serves /api/jobs/{id} and the enable, disable, run_now,
// and schedule subresources.
func (s *Server) handleJobItem(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	ctx := r.Context()

	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeFault(w, fault.New(fault.KindValidation, "job id is required"))
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		job, err := s.cfg.Store.GetJob(ctx, id)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)

	case action == "" && r.Method == http.MethodDelete:
		if err := s.cfg.Store.DeleteJob(ctx, id); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case action == "enable" && r.Method == http.MethodPost:
		job, err := s.cfg.Store.GetJob(ctx, id)
		if err != nil {
			writeFault(w, err)
			return
		}
		// Re-enabling recomputes from now; missed instants never backfill.
		next, err := scheduler.Compute(job.ScheduleKind, job.ScheduleExpr, time.Now())
		if err != nil {
			writeFault(w, err)
			return
		}
		if err := s.cfg.Store.SetJobEnabled(ctx, id, true, next); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "enabled", "next_run_at": next})

	case action == "disable" && r.Method == http.MethodPost:
		if err := s.cfg.Store.SetJobEnabled(ctx, id, false, nil); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})

	case action == "run_now" && r.Method == http.MethodPost:
		if err := s.cfg.Scheduler.RunNow(ctx, id); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "fired"})

	case action == "schedule" && r.Method == http.MethodPut:
		var req struct {
			ScheduleKind string `json:"schedule_kind"`
			ScheduleExpr string `json:"schedule_expression"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeFault(w, err)
			return
		}
		kind := persistence.ScheduleKind(req.ScheduleKind)
		if err := scheduler.ValidateSchedule(kind, req.ScheduleExpr); err != nil {
			writeFault(w, err)
			return
		}
		next, err := scheduler.Compute(kind, req.ScheduleExpr, time.Now())
		if err != nil {
			writeFault(w, err)
			return
		}
		if err := s.cfg.Store.UpdateJobSchedule(ctx, id, kind, req.ScheduleExpr, next); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "next_run_at": next})

	default:
		methodNotAllowed(w)
	}
}
