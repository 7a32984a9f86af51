// Package gateway is the HTTP surface of the platform: message ingress,
// conversation event streams, task REST and WebSocket endpoints, the
// scheduler webhook receiver, and the health and metrics probes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/supervisor"
	"github.com/loomworks/loom/pkg/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
	wsMaxPayload   = 1 << 20
)

// Agent is the message-handling surface the gateway drives. *agent.Loop
// implements it.
type Agent interface {
	HandleMessage(ctx context.Context, userID string, ref models.ConversationRef, content string, attachments []models.Attachment, opts ...agent.TurnOption) (*agent.Response, error)
	Events() (<-chan agent.Event, func())
}

// Server serves the HTTP and WebSocket API.
type Server struct {
	cfg      config.ServerConfig
	agent    Agent
	sup      *supervisor.Supervisor
	jobs     JobService
	authSvc  *auth.Service
	webhook  http.Handler
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
}

// Deps carries the server's collaborators. Agent and Supervisor may be
// nil in reduced deployments; their routes then answer 503.
type Deps struct {
	Agent      Agent
	Supervisor *supervisor.Supervisor
	Jobs       JobService
	Auth       *auth.Service
	// Webhook receives POST /webhook/{job_id} without authentication.
	Webhook http.Handler
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewServer builds the gateway around its collaborators.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		agent:   deps.Agent,
		sup:     deps.Supervisor,
		jobs:    deps.Jobs,
		authSvc: deps.Auth,
		webhook: deps.Webhook,
		logger:  logger.With("component", "gateway"),
		metrics: deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler assembles the route table. Exposed for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.webhook != nil {
		// Webhook callers sign with the per-job secret instead of a
		// user token.
		mux.Handle("POST /webhook/{job_id}", s.webhook)
	}

	authed := auth.Middleware(s.authSvc, s.logger)
	protect := func(h http.HandlerFunc) http.Handler { return authed(h) }

	mux.Handle("POST /api/messages", protect(s.handleSendMessage))
	mux.Handle("GET /api/conversations/{id}/events/ws", protect(s.handleEventsWS))

	mux.Handle("GET /api/jobs", protect(s.handleListJobs))
	mux.Handle("POST /api/jobs/{id}/cancel", protect(s.handleCancelJob))

	mux.Handle("GET /api/tasks", protect(s.handleListTasks))
	mux.Handle("POST /api/tasks", protect(s.handleCreateTask))
	mux.Handle("GET /api/tasks/{id}", protect(s.handleGetTask))
	mux.Handle("POST /api/tasks/{id}/cancel", protect(s.handleCancelTask))
	mux.Handle("POST /api/tasks/{id}/continue", protect(s.handleContinueTask))
	mux.Handle("GET /api/tasks/{id}/logs", protect(s.handleTaskLogs))
	mux.Handle("GET /api/tasks/{id}/logs/ws", protect(s.handleTaskLogsWS))
	mux.Handle("GET /api/tasks/{id}/terminal/ws", protect(s.handleTerminalWS))
	mux.Handle("GET /api/tasks/{id}/workspace", protect(s.handleBrowseWorkspace))
	mux.Handle("GET /api/tasks/{id}/workspace/file", protect(s.handleReadWorkspaceFile))
	mux.Handle("POST /api/tasks/{id}/workspace/upload", protect(s.handleWorkspaceUpload))

	return s.withMetrics(mux)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr reports the bound listen address, for tests using port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestUser resolves the acting user. With auth disabled every request
// acts as the local development user.
func (s *Server) requestUser(r *http.Request) *models.User {
	if user, ok := auth.UserFromContext(r.Context()); ok {
		return user
	}
	return &models.User{ID: "local", DisplayName: "Local User", Permission: models.PermissionAdmin}
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}

// taskError maps supervisor errors onto HTTP statuses. Ownership
// failures read as not-found so other users' tasks stay invisible.
func (s *Server) taskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrTaskNotFound), errors.Is(err, supervisor.ErrNotOwner):
		s.respondError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, supervisor.ErrTaskNotActive):
		s.respondError(w, http.StatusConflict, "task is not active")
	case errors.Is(err, supervisor.ErrParentActive):
		s.respondError(w, http.StatusConflict, "task is still active")
	case errors.Is(err, supervisor.ErrOutsideWorkspace):
		s.respondError(w, http.StatusBadRequest, "path escapes the workspace")
	case errors.Is(err, supervisor.ErrTaskNotRunning):
		s.respondError(w, http.StatusConflict, "task has no running container")
	case errors.Is(err, supervisor.ErrSessionLimit):
		s.respondError(w, http.StatusConflict, "terminal session limit reached")
	default:
		s.logger.Error("task request failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}
