// Package gateway exposes the HTTP API: session and job management, the
// task ledger, event-log queries, and the WebSocket chat channel. It is a
// thin boundary: requests are validated here, then delegated to the store,
// the scheduler, and the turn queue.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/homesteadhq/homestead/internal/bus"
	"github.com/homesteadhq/homestead/internal/dispatch"
	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/otel"
	"github.com/homesteadhq/homestead/internal/persistence"
	"github.com/homesteadhq/homestead/internal/scheduler"
	"github.com/homesteadhq/homestead/internal/turnqueue"
)

const maxBodyBytes = 1 << 20

type Config struct {
	BindAddr  string
	AuthToken string // empty disables auth

	Store      *persistence.Store
	Scheduler  *scheduler.Scheduler
	Queue      *turnqueue.Queue
	Dispatcher *dispatch.Dispatcher

	// DefaultModel seeds sessions created over the API; KnownModelTag
	// validates model arguments at the boundary.
	DefaultModel  string
	KnownModelTag func(string) bool

	// AllowedChats is the inbound chat allow-list enforced before any
	// session or queue work on the chat socket. An empty list rejects
	// every chat, matching the store's outbox gate.
	AllowedChats []int64

	// AllowOrigins is the cross-origin allowlist for the WebSocket
	// endpoint. Same-origin requests always pass.
	AllowOrigins []string

	// TurnTimeout bounds how long a WebSocket chat request waits for its
	// turn to complete before the connection gives up.
	TurnTimeout time.Duration

	ConfigFingerprint string

	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
}

type Server struct {
	cfg          Config
	logger       *slog.Logger
	allowedChats map[int64]struct{}
	http         *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8530"
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 300 * time.Second
	}
	if cfg.KnownModelTag == nil {
		cfg.KnownModelTag = func(string) bool { return false }
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		allowed[id] = struct{}{}
	}
	return &Server{cfg: cfg, logger: cfg.Logger, allowedChats: allowed}
}

func (s *Server) chatAllowed(chatID int64) bool {
	_, ok := s.allowedChats[chatID]
	return ok
}

// Handler builds the route table. Split out from Start so tests can drive
// the mux through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionItem)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobItem)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/logs/summary", s.handleLogSummary)
	mux.HandleFunc("/ws/chat", s.handleChatWS)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		mux.ServeHTTP(w, r)
	})
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:        s.cfg.BindAddr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("gateway listening", "source", "gw", "addr", s.cfg.BindAddr)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// authorize checks the bearer token. The token may also arrive as an
// api_key query parameter, which browser WebSocket clients need since they
// cannot set headers.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else {
		token = r.URL.Query().Get("api_key")
	}
	return constantTimeEqual(token, s.cfg.AuthToken)
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorize(r) {
		return true
	}
	http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	return false
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.CountLogs(ctx); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"models":             s.cfg.Dispatcher.Tags(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault maps the error taxonomy onto HTTP statuses.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindConflict:
		status = http.StatusConflict
	case fault.KindTimeout:
		status = http.StatusGatewayTimeout
	case fault.KindTransport, fault.KindBackend:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.KindValidation, err, "decode request body")
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}
