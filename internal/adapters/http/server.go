// Package http exposes the real-time WebSocket channel and the administrative
// HTTP routes.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/internal/logging"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/coordinator"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/delivery"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/firewall"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/session"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultReceiveTimeout = 60 * time.Second
	DefaultReadLimit      = 16 << 20
)

// CleanupFunc runs the cleanup-all routine.
type CleanupFunc func(ctx context.Context) domain.CleanupReport

// Deps are the collaborators the server dispatches to.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Sessions    *session.Manager
	Tasks       *tasks.Registry
	Router      *delivery.Router
	Firewall    *firewall.Firewall
	Cleanup     CleanupFunc

	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
}

// Server owns the HTTP routes and the lifetime of in-flight turns.
type Server struct {
	deps           Deps
	upgrader       websocket.Upgrader
	readLimit      int64
	receiveTimeout time.Duration
	maxInputBytes  int
	version        string
	logger         *slog.Logger

	// turns outlive the socket that started them; they are bound to base.
	base     context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAllowedOrigins restricts browser origins. Empty or "*" allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.upgrader = makeUpgrader(origins)
	}
}

func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithReceiveTimeout sets the idle time after which the client is pinged.
func WithReceiveTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.receiveTimeout = d
		}
	}
}

func WithMaxInputBytes(n int) Option {
	return func(s *Server) {
		s.maxInputBytes = n
	}
}

func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a Server. Call Close to cancel and wait for in-flight turns.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:           deps,
		upgrader:       makeUpgrader(nil),
		readLimit:      DefaultReadLimit,
		receiveTimeout: DefaultReceiveTimeout,
		maxInputBytes:  DefaultMaxInputSize,
		version:        "dev",
		logger:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.stop = context.WithCancel(context.Background())
	return s
}

// Handler returns the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/ws/{tenant}/{session}", s.serveWS)
	r.Get("/sessions", s.listSessions)
	r.Get("/tasks", s.listTasks)
	r.Post("/admin/cleanup", s.cleanup)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Close cancels in-flight turns and waits for them to deliver their result.
func (s *Server) Close(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      s.version,
		"connections":  s.deps.Router.Count(),
		"active_tasks": s.deps.Tasks.Stats().ActiveTasks,
	})
}

type sessionView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	LastQuery string    `json:"last_query,omitempty"`
	History   int       `json:"history"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.List(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.logger.Error("Failed to list sessions", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session store unavailable"})
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView{
			ID:        sess.ID,
			UserID:    sess.UserID,
			Kind:      sess.Kind.String(),
			LastQuery: sess.State.LastQuery,
			History:   len(sess.State.History),
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":  s.deps.Tasks.Stats(),
		"active": s.deps.Tasks.Active(r.URL.Query().Get("session_id")),
	})
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cleanup == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "cleanup not configured"})
		return
	}
	report := s.deps.Cleanup(r.Context())
	status := http.StatusOK
	if len(report.Errors) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, report)
}
