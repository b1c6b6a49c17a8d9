// Package server exposes the HTTP surface: agent CRUD, execution control,
// usage reporting, and the live event streams (SSE and websocket).
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/broadcast"
	"github.com/xkilldash9x/agentscale/internal/config"
	"github.com/xkilldash9x/agentscale/internal/execctx"
	"github.com/xkilldash9x/agentscale/internal/scheduler"
	"github.com/xkilldash9x/agentscale/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is the HTTP front of the service.
type Server struct {
	cfg      config.ServerConfig
	repo     store.Repository
	sched    *scheduler.Scheduler
	contexts *execctx.Manager
	events   *broadcast.Broadcaster
	log      *zap.Logger

	httpServer *http.Server
}

// New wires the server. All collaborators are required.
func New(
	cfg config.ServerConfig,
	repo store.Repository,
	sched *scheduler.Scheduler,
	contexts *execctx.Manager,
	events *broadcast.Broadcaster,
	logger *zap.Logger,
) (*Server, error) {
	switch {
	case repo == nil:
		return nil, fmt.Errorf("server: repository is required")
	case sched == nil:
		return nil, fmt.Errorf("server: scheduler is required")
	case contexts == nil:
		return nil, fmt.Errorf("server: execution context manager is required")
	case events == nil:
		return nil, fmt.Errorf("server: broadcaster is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		repo:     repo,
		sched:    sched,
		contexts: contexts,
		events:   events,
		log:      logger.Named("server"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/organization", s.handleGetOrganization)
	mux.HandleFunc("GET /api/usage", s.handleGetUsage)
	mux.HandleFunc("GET /api/dashboard/stats", s.handleDashboardStats)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/agents/{id}/execute", s.handleExecuteAgent)
	mux.HandleFunc("GET /api/agents/{id}/executions", s.handleListAgentExecutions)

	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/stop", s.handleStopExecution)
	mux.HandleFunc("POST /api/executions/{id}/pause", s.handlePauseExecution)

	mux.HandleFunc("GET /api/events/{agentId}", s.handleEventStream)
	mux.HandleFunc("GET /api/ws", s.handleWebsocket)

	return mux
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// -- response helpers --

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"message": msg})
}

// orgID resolves the caller's organization. Auth proper sits in front of
// this service; the header is the trusted identity it forwards.
func orgID(r *http.Request) string {
	return r.Header.Get("X-Organization-ID")
}

// requireOrg rejects requests without an organization identity.
func (s *Server) requireOrg(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := orgID(r)
	if id == "" {
		s.writeError(w, http.StatusUnauthorized, "missing organization identity")
		return "", false
	}
	return id, true
}

// agentForOrg loads an agent and verifies it belongs to the caller.
func (s *Server) agentForOrg(w http.ResponseWriter, r *http.Request, agentID string) (*schemas.AgentSpec, bool) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return nil, false
	}
	spec, err := s.repo.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Agent not found")
		} else {
			s.log.Error("Failed to load agent", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "Failed to load agent")
		}
		return nil, false
	}
	if spec.OrganizationID != org {
		s.writeError(w, http.StatusForbidden, "Access denied")
		return nil, false
	}
	return spec, true
}
