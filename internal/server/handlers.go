// internal/server/handlers.go
package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/store"
)

func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	record, err := s.repo.GetOrganization(r.Context(), org)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Organization not found")
			return
		}
		s.log.Error("Failed to load organization", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to load organization")
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	period := time.Now().UTC()
	if p := r.URL.Query().Get("period"); p != "" {
		parsed, err := time.Parse("2006-01-02", p)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "period must be YYYY-MM-DD")
			return
		}
		period = parsed
	}
	rec, err := s.repo.GetUsage(r.Context(), org, period)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No consumption that period yet; an all-zero record is the
			// honest answer, not a 404.
			s.writeJSON(w, http.StatusOK, &schemas.UsageRecord{
				OrganizationID: org,
				Period:         period.Truncate(24 * time.Hour),
			})
			return
		}
		s.log.Error("Failed to load usage", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to load usage")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// dashboardStats is the aggregate view backing the dashboard's summary
// cards. Success rate is a percentage rounded to one decimal, computed over
// the organization's 100 most recent executions.
type dashboardStats struct {
	ActiveAgents     int                  `json:"activeAgents"`
	CompletedTasks   int                  `json:"completedTasks"`
	SuccessRate      float64              `json:"successRate"`
	APICalls         int                  `json:"apiCalls"`
	RecentExecutions []*schemas.Execution `json:"recentExecutions"`
}

func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	agents, err := s.repo.ListAgentsByOrganization(r.Context(), org)
	if err != nil {
		s.log.Error("Failed to list agents", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to compute dashboard stats")
		return
	}
	execs, err := s.repo.ListExecutionsByOrganization(r.Context(), org, 100)
	if err != nil {
		s.log.Error("Failed to list executions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to compute dashboard stats")
		return
	}

	stats := dashboardStats{RecentExecutions: []*schemas.Execution{}}
	for _, a := range agents {
		if a.Status == "active" {
			stats.ActiveAgents++
		}
	}
	for _, e := range execs {
		if e.Status == schemas.StatusCompleted {
			stats.CompletedTasks++
		}
	}
	if len(execs) > 0 {
		rate := float64(stats.CompletedTasks) / float64(len(execs)) * 100
		stats.SuccessRate = math.Round(rate*10) / 10
	}
	if rec, err := s.repo.GetUsage(r.Context(), org, time.Now().UTC()); err == nil {
		stats.APICalls = rec.APICalls
	} else if !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("Failed to load usage for dashboard", zap.Error(err))
	}
	if len(execs) > 10 {
		execs = execs[:10]
	}
	if execs != nil {
		stats.RecentExecutions = execs
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// -- agents --

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	specs, err := s.repo.ListAgentsByOrganization(r.Context(), org)
	if err != nil {
		s.log.Error("Failed to list agents", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list agents")
		return
	}
	if specs == nil {
		specs = []*schemas.AgentSpec{}
	}
	s.writeJSON(w, http.StatusOK, specs)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	var spec schemas.AgentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid agent payload")
		return
	}
	if spec.Name == "" || spec.Instructions == "" {
		s.writeError(w, http.StatusBadRequest, "name and instructions are required")
		return
	}
	spec.ID = uuid.New().String()
	spec.OrganizationID = org
	spec.CreatedAt = time.Now().UTC()
	if spec.Priority == "" {
		spec.Priority = schemas.PriorityNormal
	}
	if spec.Schedule == "" {
		spec.Schedule = schemas.ScheduleManual
	}
	if spec.Status == "" {
		spec.Status = "active"
	}

	if err := s.repo.CreateAgent(r.Context(), &spec); err != nil {
		s.log.Error("Failed to create agent", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to create agent")
		return
	}
	s.writeJSON(w, http.StatusCreated, &spec)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.agentForOrg(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.agentForOrg(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var update schemas.AgentSpec
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid agent payload")
		return
	}
	// Identity and provenance fields are immutable.
	update.ID = spec.ID
	update.OrganizationID = spec.OrganizationID
	update.CreatedBy = spec.CreatedBy
	update.CreatedAt = spec.CreatedAt
	update.LastRun = spec.LastRun
	if update.Name == "" || update.Instructions == "" {
		s.writeError(w, http.StatusBadRequest, "name and instructions are required")
		return
	}

	if err := s.repo.UpdateAgent(r.Context(), &update); err != nil {
		s.log.Error("Failed to update agent", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to update agent")
		return
	}
	s.writeJSON(w, http.StatusOK, &update)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.agentForOrg(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.repo.DeleteAgent(r.Context(), spec.ID); err != nil {
		s.log.Error("Failed to delete agent", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to delete agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteAgent(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.agentForOrg(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	exec, err := s.sched.Enqueue(r.Context(), spec, schemas.TriggerAPI)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, exec)
}

// -- executions --

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 50
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return
	}
	execs, err := s.repo.ListExecutionsByOrganization(r.Context(), org, limitParam(r))
	if err != nil {
		s.log.Error("Failed to list executions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	if execs == nil {
		execs = []*schemas.Execution{}
	}
	s.writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleListAgentExecutions(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.agentForOrg(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	execs, err := s.repo.ListExecutionsByAgent(r.Context(), spec.ID, limitParam(r))
	if err != nil {
		s.log.Error("Failed to list executions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	if execs == nil {
		execs = []*schemas.Execution{}
	}
	s.writeJSON(w, http.StatusOK, execs)
}

// executionForOrg loads an execution and verifies ownership.
func (s *Server) executionForOrg(w http.ResponseWriter, r *http.Request, executionID string) (*schemas.Execution, bool) {
	org, ok := s.requireOrg(w, r)
	if !ok {
		return nil, false
	}
	exec, err := s.repo.GetExecution(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Execution not found")
		} else {
			s.log.Error("Failed to load execution", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "Failed to load execution")
		}
		return nil, false
	}
	if exec.OrganizationID != org {
		s.writeError(w, http.StatusForbidden, "Access denied")
		return nil, false
	}
	return exec, true
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.executionForOrg(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.executionForOrg(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if exec.Status.Terminal() {
		s.writeError(w, http.StatusConflict, "Execution already finished")
		return
	}

	// A live run observes the cancellation and records itself as failed.
	// Anything not live (queued or paused) is failed directly.
	if !s.contexts.Stop(exec.ID) {
		now := time.Now().UTC()
		exec.Status = schemas.StatusFailed
		exec.EndTime = &now
		exec.Error = "Execution stopped by user"
		if err := s.repo.UpdateExecution(r.Context(), exec); err != nil {
			s.log.Error("Failed to persist stopped execution", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "Failed to stop execution")
			return
		}
		s.events.Publish(schemas.Event{
			Type:        schemas.EventStatusChanged,
			AgentID:     exec.AgentID,
			ExecutionID: exec.ID,
			Status:      exec.Status,
			Error:       exec.Error,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Execution stopped"})
}

func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.executionForOrg(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if !schemas.CanTransition(exec.Status, schemas.StatusPaused) {
		s.writeError(w, http.StatusConflict, "Only a running execution can be paused")
		return
	}
	exec.Status = schemas.StatusPaused
	if err := s.repo.UpdateExecution(r.Context(), exec); err != nil {
		s.log.Error("Failed to pause execution", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to pause execution")
		return
	}
	s.events.Publish(schemas.Event{
		Type:        schemas.EventStatusChanged,
		AgentID:     exec.AgentID,
		ExecutionID: exec.ID,
		Status:      exec.Status,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Execution paused"})
}
