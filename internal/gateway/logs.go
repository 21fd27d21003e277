package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/persistence"
)

// handleLogs serves GET /api/logs. Filters: since/until (unix seconds or
// RFC3339), level, source (prefix match), q (substring), limit.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	q := persistence.LogQuery{
		Level:        strings.ToUpper(r.URL.Query().Get("level")),
		SourcePrefix: r.URL.Query().Get("source"),
		Substring:    r.URL.Query().Get("q"),
	}
	var err error
	if q.Since, err = parseTimestamp(r.URL.Query().Get("since")); err != nil {
		writeFault(w, err)
		return
	}
	if q.Until, err = parseTimestamp(r.URL.Query().Get("until")); err != nil {
		writeFault(w, err)
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeFault(w, fault.New(fault.KindValidation, "limit must be a positive integer"))
			return
		}
		q.Limit = n
	}

	records, err := s.cfg.Store.QueryLogs(r.Context(), q)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleLogSummary serves GET /api/logs/summary: per-source level counts
// since a point in time (default: the last 24 hours).
func (s *Server) handleLogSummary(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			writeFault(w, err)
			return
		}
		since = time.Unix(ts, 0)
	}

	summary, err := s.cfg.Store.LogSummary(r.Context(), since)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since.Unix(), "summary": summary})
}

func parseTimestamp(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Unix(), nil
	}
	return 0, fault.New(fault.KindValidation, "timestamp %q is neither unix seconds nor RFC3339", raw)
}
