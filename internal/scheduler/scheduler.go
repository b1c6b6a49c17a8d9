// Package scheduler admits executions into a priority queue and drives them
// through their full lifecycle under bounded concurrency. Admission is where
// quota is enforced; usage is charged after the run, whatever its outcome.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/broadcast"
	"github.com/xkilldash9x/agentscale/internal/config"
	"github.com/xkilldash9x/agentscale/internal/execctx"
	"github.com/xkilldash9x/agentscale/internal/ledger"
	"github.com/xkilldash9x/agentscale/internal/loop"
	"github.com/xkilldash9x/agentscale/internal/store"
)

// Runner drives one execution context to a terminal outcome.
type Runner interface {
	Run(ctx context.Context, ec *execctx.ExecutionContext) loop.Outcome
}

// Scheduler owns the pending queue and the worker pool draining it.
type Scheduler struct {
	repo     store.Repository
	ledger   *ledger.Ledger
	contexts *execctx.Manager
	runner   Runner
	events   *broadcast.Broadcaster
	cfg      config.SchedulerConfig
	log      *zap.Logger

	mu      sync.Mutex
	queue   priorityQueue
	pending map[string]string // agentID -> queued executionID
	seq     uint64
	wake    chan struct{}

	workers *semaphore.Weighted
	wg      sync.WaitGroup
}

// New wires the scheduler. All collaborators are required.
func New(
	repo store.Repository,
	ldg *ledger.Ledger,
	contexts *execctx.Manager,
	runner Runner,
	events *broadcast.Broadcaster,
	cfg *config.Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	switch {
	case repo == nil:
		return nil, fmt.Errorf("scheduler: repository is required")
	case ldg == nil:
		return nil, fmt.Errorf("scheduler: ledger is required")
	case contexts == nil:
		return nil, fmt.Errorf("scheduler: execution context manager is required")
	case runner == nil:
		return nil, fmt.Errorf("scheduler: loop runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Scheduler.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		repo:     repo,
		ledger:   ldg,
		contexts: contexts,
		runner:   runner,
		events:   events,
		cfg:      cfg.Scheduler,
		log:      logger.Named("scheduler"),
		pending:  make(map[string]string),
		wake:     make(chan struct{}, 1),
		workers:  semaphore.NewWeighted(int64(concurrency)),
	}, nil
}

// Enqueue creates a pending execution for the agent and admits it to the
// queue. An agent may hold at most one queued execution at a time; a second
// enqueue while the first is still waiting is rejected.
func (s *Scheduler) Enqueue(ctx context.Context, spec *schemas.AgentSpec, trigger schemas.TriggerKind) (*schemas.Execution, error) {
	s.mu.Lock()
	if execID, queued := s.pending[spec.ID]; queued {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent %s already has execution %s queued", spec.ID, execID)
	}
	s.mu.Unlock()

	exec := &schemas.Execution{
		ID:             uuid.New().String(),
		AgentID:        spec.ID,
		OrganizationID: spec.OrganizationID,
		Status:         schemas.StatusPending,
	}
	if err := s.repo.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	s.mu.Lock()
	// Re-check under the lock; a concurrent enqueue may have won the race.
	if execID, queued := s.pending[spec.ID]; queued {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent %s already has execution %s queued", spec.ID, execID)
	}
	s.seq++
	heap.Push(&s.queue, &item{
		executionID: exec.ID,
		agentID:     spec.ID,
		rank:        spec.Priority.Rank(),
		seq:         s.seq,
		trigger:     trigger,
	})
	s.pending[spec.ID] = exec.ID
	s.mu.Unlock()

	s.log.Info("Execution queued",
		zap.String("execution_id", exec.ID),
		zap.String("agent_id", spec.ID),
		zap.String("priority", string(spec.Priority)),
		zap.String("trigger", string(trigger)))

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return exec, nil
}

// Run drains the queue until the context ends. It also periodically scans
// for agents whose schedules have elapsed.
func (s *Scheduler) Run(ctx context.Context) {
	scan := time.NewTicker(s.cfg.ScanInterval)
	defer scan.Stop()

	idle := time.NewTimer(s.cfg.IdleWait)
	defer idle.Stop()

	for {
		it := s.pop()
		if it == nil {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleWait)
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return
			case <-s.wake:
			case <-scan.C:
				s.scanSchedules(ctx)
			case <-idle.C:
			}
			continue
		}

		if err := s.workers.Acquire(ctx, 1); err != nil {
			s.wg.Wait()
			return
		}
		s.wg.Add(1)
		go func(it *item) {
			defer s.wg.Done()
			defer s.workers.Release(1)
			s.dispatch(ctx, it)
		}(it)
	}
}

func (s *Scheduler) pop() *item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return nil
	}
	it := heap.Pop(&s.queue).(*item)
	delete(s.pending, it.agentID)
	return it
}

// dispatch resolves the queued item and runs it, enforcing quota first.
func (s *Scheduler) dispatch(ctx context.Context, it *item) {
	log := s.log.With(
		zap.String("execution_id", it.executionID),
		zap.String("agent_id", it.agentID))

	exec, err := s.repo.GetExecution(ctx, it.executionID)
	if err != nil {
		log.Error("Queued execution vanished from the store", zap.Error(err))
		return
	}
	spec, err := s.repo.GetAgent(ctx, it.agentID)
	if err != nil {
		s.finish(ctx, exec, loop.Outcome{Err: fmt.Errorf("agent not found: %w", err)}, false)
		return
	}

	if err := s.ledger.Check(ctx, spec.OrganizationID); err != nil {
		log.Warn("Execution rejected at admission", zap.Error(err))
		// pending -> failed without ever running; no usage is charged
		// because no decision call was made.
		s.finish(ctx, exec, loop.Outcome{Err: err}, false)
		return
	}

	s.runExecution(ctx, exec, spec)
}

// runExecution drives one admitted execution through running to a terminal
// state and charges usage afterward.
func (s *Scheduler) runExecution(ctx context.Context, exec *schemas.Execution, spec *schemas.AgentSpec) {
	log := s.log.With(
		zap.String("execution_id", exec.ID),
		zap.String("agent_id", spec.ID))

	now := time.Now().UTC()
	exec.Status = schemas.StatusRunning
	exec.StartTime = &now
	if err := s.repo.UpdateExecution(ctx, exec); err != nil {
		log.Error("Failed to mark execution running", zap.Error(err))
		return
	}
	s.publishStatus(exec, "")

	ec, err := s.contexts.Open(ctx, exec, spec)
	if err != nil {
		// Nothing reached the loop; no session or decision call to charge.
		s.finish(ctx, exec, loop.Outcome{Err: err}, false)
		return
	}
	defer s.contexts.Close(ctx, ec)

	outcome := s.runner.Run(ec.Ctx, ec)
	s.finish(ctx, exec, outcome, true)

	if err := s.repo.TouchAgentLastRun(ctx, spec.ID, time.Now().UTC()); err != nil {
		log.Warn("Failed to record agent last run", zap.Error(err))
	}
}

// finish persists the terminal state and, when the run actually consumed
// resources, charges the ledger. Quota counters never roll back: a failed
// run paid for its decision calls like any other.
func (s *Scheduler) finish(ctx context.Context, exec *schemas.Execution, outcome loop.Outcome, ran bool) {
	now := time.Now().UTC()
	exec.EndTime = &now
	exec.Actions = outcome.Actions
	exec.ObservationRefs = outcome.ObservationRefs

	if outcome.Err == nil && outcome.Completed {
		exec.Status = schemas.StatusCompleted
		exec.Result = &schemas.ExecutionResult{
			Actions:         outcome.Actions,
			ObservationRefs: outcome.ObservationRefs,
			Summary:         outcome.Summary,
		}
	} else {
		exec.Status = schemas.StatusFailed
		if outcome.Err != nil {
			exec.Error = outcome.Err.Error()
		} else {
			exec.Error = "execution ended without completing"
		}
	}

	if err := s.repo.UpdateExecution(ctx, exec); err != nil {
		s.log.Error("Failed to persist execution outcome",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}
	s.publishStatus(exec, exec.Error)

	if ran {
		s.ledger.Record(ctx, exec.OrganizationID, schemas.UsageDelta{
			APICalls:        outcome.DecisionCalls,
			BrowserSessions: 1,
		})
	}
}

func (s *Scheduler) publishStatus(exec *schemas.Execution, errMsg string) {
	if s.events == nil {
		return
	}
	s.events.Publish(schemas.Event{
		Type:        schemas.EventStatusChanged,
		AgentID:     exec.AgentID,
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Error:       errMsg,
	})
}

// scanSchedules enqueues active agents whose recurring schedule has elapsed.
func (s *Scheduler) scanSchedules(ctx context.Context) {
	specs, err := s.repo.ListActiveAgents(ctx)
	if err != nil {
		s.log.Error("Schedule scan failed to list agents", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, spec := range specs {
		interval, ok := spec.Schedule.Interval()
		if !ok {
			continue
		}
		if spec.LastRun != nil && now.Sub(*spec.LastRun) < interval {
			continue
		}
		if _, err := s.Enqueue(ctx, spec, schemas.TriggerScheduled); err != nil {
			s.log.Debug("Scheduled enqueue skipped",
				zap.String("agent_id", spec.ID),
				zap.Error(err))
		}
	}
}
