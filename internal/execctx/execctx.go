// Package execctx tracks the live state of in-flight executions. Each
// running execution owns exactly one browser session; the manager is the
// single registry through which stop requests reach the loop driving it.
package execctx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
)

// ErrStopped is the terminal error recorded for a user-stopped execution.
var ErrStopped = fmt.Errorf("Execution stopped by user")

// SessionFactory creates fresh automation sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (schemas.AutomationSession, error)
}

// ExecutionContext is the live state of one running execution.
type ExecutionContext struct {
	ExecutionID    string
	AgentID        string
	OrganizationID string
	Spec           *schemas.AgentSpec
	Session        schemas.AutomationSession

	// Ctx is canceled when the execution is stopped or the manager shuts
	// down. The loop derives all blocking work from it.
	Ctx    context.Context
	cancel context.CancelFunc

	stopped   atomic.Bool
	closeOnce sync.Once
}

// StopRequested reports whether a user asked this execution to stop. The
// loop checks it between iterations.
func (ec *ExecutionContext) StopRequested() bool {
	return ec.stopped.Load()
}

// Manager owns the table of live execution contexts.
type Manager struct {
	mu       sync.Mutex
	live     map[string]*ExecutionContext
	sessions SessionFactory
	defAddr  string
	log      *zap.Logger
}

// NewManager creates a Manager. The session factory is required;
// defaultAddress is where sessions land when a spec names no target.
func NewManager(sessions SessionFactory, defaultAddress string, logger *zap.Logger) (*Manager, error) {
	if sessions == nil {
		return nil, fmt.Errorf("execctx: session factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		live:     make(map[string]*ExecutionContext),
		sessions: sessions,
		defAddr:  defaultAddress,
		log:      logger.Named("execctx"),
	}, nil
}

// Open allocates a browser session for the execution, navigates it to the
// spec's target (or the default address), and registers it as live. An
// execution may hold at most one live session; opening a second is an
// error, not a replacement.
func (m *Manager) Open(ctx context.Context, exec *schemas.Execution, spec *schemas.AgentSpec) (*ExecutionContext, error) {
	m.mu.Lock()
	if _, exists := m.live[exec.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("execution %s already has a live session", exec.ID)
	}
	// Reserve the slot before the (slow) session launch so a concurrent
	// Open for the same execution fails fast.
	m.live[exec.ID] = nil
	m.mu.Unlock()

	session, err := m.sessions.NewSession(ctx)
	if err != nil {
		m.mu.Lock()
		delete(m.live, exec.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to open browser session: %w", err)
	}

	address := spec.TargetWebsite
	if address == "" {
		address = m.defAddr
	}
	if err := session.Navigate(ctx, address); err != nil {
		if closeErr := session.Close(ctx); closeErr != nil {
			m.log.Warn("Failed to close session after navigation failure",
				zap.String("execution_id", exec.ID),
				zap.Error(closeErr))
		}
		m.mu.Lock()
		delete(m.live, exec.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to navigate to %s: %w", address, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	ec := &ExecutionContext{
		ExecutionID:    exec.ID,
		AgentID:        exec.AgentID,
		OrganizationID: exec.OrganizationID,
		Spec:           spec,
		Session:        session,
		Ctx:            runCtx,
		cancel:         cancel,
	}

	m.mu.Lock()
	m.live[exec.ID] = ec
	m.mu.Unlock()

	m.log.Info("Execution context opened",
		zap.String("execution_id", exec.ID),
		zap.String("agent_id", exec.AgentID),
		zap.String("session_id", session.ID()))
	return ec, nil
}

// Get returns the live context for an execution, if any.
func (m *Manager) Get(executionID string) (*ExecutionContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ec, ok := m.live[executionID]
	return ec, ok && ec != nil
}

// Stop requests termination of a live execution. The loop observes the
// cancellation and records the run as failed with ErrStopped. Stop is
// idempotent: an unknown or already-closed execution is a no-op, and the
// return reports whether a live loop was actually signaled.
func (m *Manager) Stop(executionID string) bool {
	ec, ok := m.Get(executionID)
	if !ok {
		return false
	}
	ec.stopped.Store(true)
	ec.cancel()
	m.log.Info("Stop requested for execution", zap.String("execution_id", executionID))
	return true
}

// Close releases the execution's browser session and removes it from the
// live table. Idempotent: closing an already-closed context is a no-op.
func (m *Manager) Close(ctx context.Context, ec *ExecutionContext) {
	if ec == nil {
		return
	}
	ec.closeOnce.Do(func() {
		ec.cancel()
		// Close against a fresh context: ec.Ctx is already canceled here
		// and the tab still has to be torn down.
		if err := ec.Session.Close(ctx); err != nil {
			m.log.Warn("Failed to close browser session",
				zap.String("execution_id", ec.ExecutionID),
				zap.Error(err))
		}
		m.mu.Lock()
		delete(m.live, ec.ExecutionID)
		m.mu.Unlock()

		m.log.Info("Execution context closed", zap.String("execution_id", ec.ExecutionID))
	})
}

// Shutdown stops and closes every live execution.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*ExecutionContext, 0, len(m.live))
	for _, ec := range m.live {
		if ec != nil {
			all = append(all, ec)
		}
	}
	m.mu.Unlock()

	for _, ec := range all {
		ec.stopped.Store(true)
		m.Close(ctx, ec)
	}
}
