package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/config"
	"github.com/xkilldash9x/agentscale/internal/execctx"
	"github.com/xkilldash9x/agentscale/internal/ledger"
	"github.com/xkilldash9x/agentscale/internal/loop"
	"github.com/xkilldash9x/agentscale/internal/store"
)

// fakeSession is a no-op automation session.
type fakeSession struct{}

func (fakeSession) ID() string                                            { return "fake" }
func (fakeSession) Navigate(ctx context.Context, address string) error    { return nil }
func (fakeSession) CaptureScreenshot(ctx context.Context) ([]byte, error) { return []byte("f"), nil }
func (fakeSession) Click(ctx context.Context, x, y float64, b string) error {
	return nil
}
func (fakeSession) TypeText(ctx context.Context, text string) error  { return nil }
func (fakeSession) Scroll(ctx context.Context, dx, dy float64) error { return nil }
func (fakeSession) PressKey(ctx context.Context, key string) error   { return nil }
func (fakeSession) Viewport() (int, int)                             { return 1280, 720 }
func (fakeSession) Close(ctx context.Context) error                  { return nil }

type fakeFactory struct{}

func (fakeFactory) NewSession(ctx context.Context) (schemas.AutomationSession, error) {
	return fakeSession{}, nil
}

type failingFactory struct{}

func (failingFactory) NewSession(ctx context.Context) (schemas.AutomationSession, error) {
	return nil, errors.New("no browser available")
}

// fakeRunner returns a canned outcome for every execution.
type fakeRunner struct {
	outcome loop.Outcome
}

func (f *fakeRunner) Run(ctx context.Context, ec *execctx.ExecutionContext) loop.Outcome {
	return f.outcome
}

type fixture struct {
	sched *Scheduler
	repo  *store.MemoryStore
}

func newFixture(t *testing.T, outcome loop.Outcome) *fixture {
	return newFixtureWithFactory(t, outcome, fakeFactory{})
}

func newFixtureWithFactory(t *testing.T, outcome loop.Outcome, factory execctx.SessionFactory) *fixture {
	t.Helper()

	repo := store.NewMemoryStore()
	ldg, err := ledger.New(repo, zap.NewNop())
	require.NoError(t, err)
	contexts, err := execctx.NewManager(factory, "https://default.example", zap.NewNop())
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	cfg.Scheduler.Concurrency = 2
	cfg.Scheduler.IdleWait = 10 * time.Millisecond
	cfg.Scheduler.ScanInterval = time.Hour

	sched, err := New(repo, ldg, contexts, &fakeRunner{outcome: outcome}, nil, cfg, zap.NewNop())
	require.NoError(t, err)
	return &fixture{sched: sched, repo: repo}
}

func seedAgent(t *testing.T, repo *store.MemoryStore, id string, quota, used int) *schemas.AgentSpec {
	t.Helper()
	repo.CreateOrganization(&schemas.Organization{ID: "org-" + id, APIQuota: quota, APIUsed: used})
	spec := &schemas.AgentSpec{
		ID:             id,
		Name:           "agent " + id,
		Instructions:   "do the thing",
		Priority:       schemas.PriorityNormal,
		Schedule:       schemas.ScheduleManual,
		Status:         "active",
		OrganizationID: "org-" + id,
	}
	require.NoError(t, repo.CreateAgent(context.Background(), spec))
	return spec
}

func waitForStatus(t *testing.T, repo *store.MemoryStore, execID string, want schemas.ExecutionStatus) *schemas.Execution {
	t.Helper()
	var got *schemas.Execution
	require.Eventually(t, func() bool {
		exec, err := repo.GetExecution(context.Background(), execID)
		if err != nil {
			return false
		}
		got = exec
		return exec.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestEnqueueCreatesPendingExecution(t *testing.T) {
	f := newFixture(t, loop.Outcome{})
	spec := seedAgent(t, f.repo, "a1", 10, 0)

	exec, err := f.sched.Enqueue(context.Background(), spec, schemas.TriggerManual)
	require.NoError(t, err)

	stored, err := f.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusPending, stored.Status)
	assert.Equal(t, spec.ID, stored.AgentID)
}

func TestEnqueueRejectsDuplicateWhileQueued(t *testing.T) {
	f := newFixture(t, loop.Outcome{})
	spec := seedAgent(t, f.repo, "a1", 10, 0)

	_, err := f.sched.Enqueue(context.Background(), spec, schemas.TriggerManual)
	require.NoError(t, err)

	_, err = f.sched.Enqueue(context.Background(), spec, schemas.TriggerManual)
	assert.Error(t, err)
}

func TestRunCompletesExecution(t *testing.T) {
	f := newFixture(t, loop.Outcome{
		Completed:       true,
		Summary:         "all done",
		Actions:         []schemas.Action{{Type: schemas.ActionWait}},
		ObservationRefs: []string{"obs-x-0"},
		DecisionCalls:   2,
	})
	spec := seedAgent(t, f.repo, "a1", 10, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.sched.Run(ctx)

	exec, err := f.sched.Enqueue(ctx, spec, schemas.TriggerManual)
	require.NoError(t, err)

	done := waitForStatus(t, f.repo, exec.ID, schemas.StatusCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, "all done", done.Result.Summary)
	assert.Equal(t, []string{"obs-x-0"}, done.ObservationRefs)
	assert.NotNil(t, done.StartTime)
	assert.NotNil(t, done.EndTime)
	assert.Empty(t, done.Error)

	// One run consumed one quota unit and its decision calls.
	require.Eventually(t, func() bool {
		org, err := f.repo.GetOrganization(context.Background(), spec.OrganizationID)
		return err == nil && org.APIUsed == 1
	}, 2*time.Second, 5*time.Millisecond)
	rec, err := f.repo.GetUsage(context.Background(), spec.OrganizationID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.APICalls)
	assert.Equal(t, 1, rec.BrowserSessions)

	// The agent's last run is stamped for schedule bookkeeping.
	require.Eventually(t, func() bool {
		got, err := f.repo.GetAgent(context.Background(), spec.ID)
		return err == nil && got.LastRun != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunFailedExecutionStillCharged(t *testing.T) {
	f := newFixture(t, loop.Outcome{
		Err:           loop.ErrMaxIterations,
		Actions:       []schemas.Action{{Type: schemas.ActionWait}},
		DecisionCalls: 5,
	})
	spec := seedAgent(t, f.repo, "a1", 10, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.sched.Run(ctx)

	exec, err := f.sched.Enqueue(ctx, spec, schemas.TriggerManual)
	require.NoError(t, err)

	done := waitForStatus(t, f.repo, exec.ID, schemas.StatusFailed)
	assert.Contains(t, done.Error, "Maximum iterations reached")
	assert.Nil(t, done.Result)
	// Partial history is preserved on the failed record.
	assert.Len(t, done.Actions, 1)

	// No refunds: the failed run is charged in full.
	require.Eventually(t, func() bool {
		org, err := f.repo.GetOrganization(context.Background(), spec.OrganizationID)
		return err == nil && org.APIUsed == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionOpenFailureNotCharged(t *testing.T) {
	f := newFixtureWithFactory(t, loop.Outcome{Completed: true}, failingFactory{})
	spec := seedAgent(t, f.repo, "a1", 10, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.sched.Run(ctx)

	exec, err := f.sched.Enqueue(ctx, spec, schemas.TriggerManual)
	require.NoError(t, err)

	done := waitForStatus(t, f.repo, exec.ID, schemas.StatusFailed)
	assert.Contains(t, done.Error, "failed to open browser session")

	// Nothing reached the loop, so nothing is charged.
	org, err := f.repo.GetOrganization(context.Background(), spec.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, 0, org.APIUsed)
	_, err = f.repo.GetUsage(context.Background(), spec.OrganizationID, time.Now().UTC())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQuotaExhaustedFailsAtAdmission(t *testing.T) {
	f := newFixture(t, loop.Outcome{Completed: true})
	spec := seedAgent(t, f.repo, "a1", 5, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.sched.Run(ctx)

	exec, err := f.sched.Enqueue(ctx, spec, schemas.TriggerManual)
	require.NoError(t, err)

	done := waitForStatus(t, f.repo, exec.ID, schemas.StatusFailed)
	assert.Contains(t, done.Error, "quota")
	// The rejected run never started and never consumed quota.
	assert.Nil(t, done.StartTime)
	org, err := f.repo.GetOrganization(context.Background(), spec.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, 5, org.APIUsed)
}

func TestScanSchedulesEnqueuesElapsedAgents(t *testing.T) {
	f := newFixture(t, loop.Outcome{Completed: true})
	spec := seedAgent(t, f.repo, "a1", 10, 0)
	spec.Schedule = schemas.ScheduleHourly
	require.NoError(t, f.repo.UpdateAgent(context.Background(), spec))

	stale := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, f.repo.TouchAgentLastRun(context.Background(), spec.ID, stale))

	f.sched.scanSchedules(context.Background())

	execs, err := f.repo.ListExecutionsByAgent(context.Background(), spec.ID, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestScanSchedulesSkipsManualAndFreshAgents(t *testing.T) {
	f := newFixture(t, loop.Outcome{Completed: true})

	manual := seedAgent(t, f.repo, "manual", 10, 0)

	fresh := seedAgent(t, f.repo, "fresh", 10, 0)
	fresh.Schedule = schemas.ScheduleDaily
	require.NoError(t, f.repo.UpdateAgent(context.Background(), fresh))
	now := time.Now().UTC()
	require.NoError(t, f.repo.TouchAgentLastRun(context.Background(), fresh.ID, now))

	f.sched.scanSchedules(context.Background())

	for _, spec := range []*schemas.AgentSpec{manual, fresh} {
		execs, err := f.repo.ListExecutionsByAgent(context.Background(), spec.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, execs, "agent %s should not have been enqueued", spec.ID)
	}
}
