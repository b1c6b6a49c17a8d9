package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/broadcast"
	"github.com/xkilldash9x/agentscale/internal/config"
	"github.com/xkilldash9x/agentscale/internal/execctx"
	"github.com/xkilldash9x/agentscale/internal/ledger"
	"github.com/xkilldash9x/agentscale/internal/loop"
	"github.com/xkilldash9x/agentscale/internal/scheduler"
	"github.com/xkilldash9x/agentscale/internal/store"
)

type stubSession struct{}

func (stubSession) ID() string                                              { return "stub" }
func (stubSession) Navigate(ctx context.Context, address string) error      { return nil }
func (stubSession) CaptureScreenshot(ctx context.Context) ([]byte, error)   { return []byte("s"), nil }
func (stubSession) Click(ctx context.Context, x, y float64, b string) error { return nil }
func (stubSession) TypeText(ctx context.Context, text string) error         { return nil }
func (stubSession) Scroll(ctx context.Context, dx, dy float64) error        { return nil }
func (stubSession) PressKey(ctx context.Context, key string) error          { return nil }
func (stubSession) Viewport() (int, int)                                    { return 1280, 720 }
func (stubSession) Close(ctx context.Context) error                         { return nil }

type stubFactory struct{}

func (stubFactory) NewSession(ctx context.Context) (schemas.AutomationSession, error) {
	return stubSession{}, nil
}

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, ec *execctx.ExecutionContext) loop.Outcome {
	return loop.Outcome{Completed: true}
}

type serverFixture struct {
	srv      *Server
	repo     *store.MemoryStore
	events   *broadcast.Broadcaster
	contexts *execctx.Manager
	ts       *httptest.Server
}

// newServerFixture wires the full HTTP stack against the in-memory store.
// The scheduler is constructed but not started; queued executions stay
// pending, which is exactly what the stop/pause tests need.
func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	repo := store.NewMemoryStore()
	repo.CreateOrganization(&schemas.Organization{ID: "org-1", Name: "Org One", APIQuota: 100})
	repo.CreateOrganization(&schemas.Organization{ID: "org-2", Name: "Org Two", APIQuota: 100})

	events := broadcast.New(0, zap.NewNop())
	t.Cleanup(events.Close)

	ldg, err := ledger.New(repo, zap.NewNop())
	require.NoError(t, err)
	contexts, err := execctx.NewManager(stubFactory{}, "https://default.example", zap.NewNop())
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	sched, err := scheduler.New(repo, ldg, contexts, stubRunner{}, events, cfg, zap.NewNop())
	require.NoError(t, err)

	srv, err := New(cfg.Server, repo, sched, contexts, events, zap.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	return &serverFixture{srv: srv, repo: repo, events: events, contexts: contexts, ts: ts}
}

func (f *serverFixture) do(t *testing.T, method, path, org string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	if org != "" {
		req.Header.Set("X-Organization-ID", org)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func seedAgent(t *testing.T, f *serverFixture, org string) *schemas.AgentSpec {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/agents", org, map[string]string{
		"name":         "checkout bot",
		"instructions": "add a widget to the cart",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	spec := decode[*schemas.AgentSpec](t, resp)
	return spec
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingOrganizationIsUnauthorized(t *testing.T) {
	f := newServerFixture(t)
	resp := f.do(t, http.MethodGet, "/api/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAgentAppliesDefaults(t *testing.T) {
	f := newServerFixture(t)
	spec := seedAgent(t, f, "org-1")

	assert.NotEmpty(t, spec.ID)
	assert.Equal(t, "org-1", spec.OrganizationID)
	assert.Equal(t, schemas.PriorityNormal, spec.Priority)
	assert.Equal(t, schemas.ScheduleManual, spec.Schedule)
	assert.Equal(t, "active", spec.Status)
}

func TestCreateAgentRequiresNameAndInstructions(t *testing.T) {
	f := newServerFixture(t)
	resp := f.do(t, http.MethodPost, "/api/agents", "org-1", map[string]string{"name": "nameless"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetAgentCrossOrganizationIsForbidden(t *testing.T) {
	f := newServerFixture(t)
	spec := seedAgent(t, f, "org-1")

	resp := f.do(t, http.MethodGet, "/api/agents/"+spec.ID, "org-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUpdateAgentPreservesIdentity(t *testing.T) {
	f := newServerFixture(t)
	spec := seedAgent(t, f, "org-1")

	resp := f.do(t, http.MethodPut, "/api/agents/"+spec.ID, "org-1", map[string]any{
		"name":           "renamed bot",
		"instructions":   "different instructions",
		"organizationId": "org-2", // must be ignored
		"priority":       "high",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[*schemas.AgentSpec](t, resp)

	assert.Equal(t, spec.ID, updated.ID)
	assert.Equal(t, "org-1", updated.OrganizationID)
	assert.Equal(t, "renamed bot", updated.Name)
	assert.Equal(t, schemas.PriorityHigh, updated.Priority)
}

func TestDeleteAgent(t *testing.T) {
	f := newServerFixture(t)
	spec := seedAgent(t, f, "org-1")

	resp := f.do(t, http.MethodDelete, "/api/agents/"+spec.ID, "org-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/agents/"+spec.ID, "org-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetUsageReturnsZeroRecordWhenEmpty(t *testing.T) {
	f := newServerFixture(t)
	resp := f.do(t, http.MethodGet, "/api/usage", "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec := decode[*schemas.UsageRecord](t, resp)
	assert.Equal(t, "org-1", rec.OrganizationID)
	assert.Zero(t, rec.APICalls)
	assert.Zero(t, rec.BrowserSessions)
}

func TestDashboardStatsAggregatesOrganization(t *testing.T) {
	f := newServerFixture(t)
	spec := seedAgent(t, f, "org-1")

	inactive := seedAgent(t, f, "org-1")
	inactive.Status = "inactive"
	require.NoError(t, f.repo.UpdateAgent(context.Background(), inactive))

	for i, status := range []schemas.ExecutionStatus{
		schemas.StatusCompleted, schemas.StatusCompleted, schemas.StatusFailed,
	} {
		require.NoError(t, f.repo.CreateExecution(context.Background(), &schemas.Execution{
			ID:             fmt.Sprintf("exec-%d", i),
			AgentID:        spec.ID,
			OrganizationID: "org-1",
			Status:         status,
		}))
	}
	require.NoError(t, f.repo.AddUsage(context.Background(), "org-1", time.Now().UTC(), schemas.UsageDelta{APICalls: 7}))

	resp := f.do(t, http.MethodGet, "/api/dashboard/stats", "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, stats["activeAgents"])
	assert.EqualValues(t, 2, stats["completedTasks"])
	assert.EqualValues(t, 66.7, stats["successRate"])
	assert.EqualValues(t, 7, stats["apiCalls"])
	assert.Len(t, stats["recentExecutions"], 3)
}

func TestDashboardStatsEmptyOrganization(t *testing.T) {
	f := newServerFixture(t)

	resp := f.do(t, http.MethodGet, "/api/dashboard/stats", "org-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decode[map[string]any](t, resp)
	assert.EqualValues(t, 0, stats["activeAgents"])
	assert.EqualValues(t, 0, stats["successRate"])
	assert.Empty(t, stats["recentExecutions"])
}

func TestExecuteAgentQueuesOnce(t *testing.T) {
	f := newServerFixture(t)
	spec := seedAgent(t, f, "org-1")

	resp := f.do(t, http.MethodPost, "/api/agents/"+spec.ID+"/execute", "org-1", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	exec := decode[*schemas.Execution](t, resp)
	assert.Equal(t, schemas.StatusPending, exec.Status)

	// A second execute while the first is still queued is a conflict.
	resp = f.do(t, http.MethodPost, "/api/agents/"+spec.ID+"/execute", "org-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStopPendingExecutionFailsIt(t *testing.T) {
	f := newServerFixture(t)
	spec := seedAgent(t, f, "org-1")

	resp := f.do(t, http.MethodPost, "/api/agents/"+spec.ID+"/execute", "org-1", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	exec := decode[*schemas.Execution](t, resp)

	published := make(chan schemas.Event, 4)
	f.events.AddListener(func(ev schemas.Event) {
		published <- ev
	})

	resp = f.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/stop", "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusFailed, stored.Status)
	assert.Equal(t, "Execution stopped by user", stored.Error)
	assert.NotNil(t, stored.EndTime)

	select {
	case ev := <-published:
		assert.Equal(t, schemas.EventStatusChanged, ev.Type)
		assert.Equal(t, schemas.StatusFailed, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no status event published")
	}

	// Stopping again is a conflict: the execution is already terminal.
	resp = f.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/stop", "org-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPauseRequiresRunningExecution(t *testing.T) {
	f := newServerFixture(t)
	spec := seedAgent(t, f, "org-1")

	resp := f.do(t, http.MethodPost, "/api/agents/"+spec.ID+"/execute", "org-1", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	exec := decode[*schemas.Execution](t, resp)

	// Still pending: pause is rejected.
	resp = f.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/pause", "org-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Force it running, then pause succeeds.
	stored, err := f.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	stored.Status = schemas.StatusRunning
	require.NoError(t, f.repo.UpdateExecution(context.Background(), stored))

	resp = f.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/pause", "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err = f.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusPaused, stored.Status)
}

func TestListExecutionsScopedToOrganization(t *testing.T) {
	f := newServerFixture(t)
	spec := seedAgent(t, f, "org-1")

	resp := f.do(t, http.MethodPost, "/api/agents/"+spec.ID+"/execute", "org-1", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/executions", "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]*schemas.Execution](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/api/executions", "org-2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*schemas.Execution](t, resp))
}

func TestEventStreamOpensWithConnectedEvent(t *testing.T) {
	f := newServerFixture(t)
	spec := seedAgent(t, f, "org-1")

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/events/"+spec.ID, nil)
	require.NoError(t, err)
	req.Header.Set("X-Organization-ID", "org-1")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line := readEventLine(t, reader)
	var ev schemas.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, schemas.EventConnected, ev.Type)
	assert.Equal(t, spec.ID, ev.AgentID)

	// A published event for this agent arrives on the open stream.
	f.events.Publish(schemas.Event{
		Type:        schemas.EventStatusChanged,
		AgentID:     spec.ID,
		ExecutionID: "exec-1",
		Status:      schemas.StatusRunning,
	})
	line = readEventLine(t, reader)
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, schemas.EventStatusChanged, ev.Type)
	assert.Equal(t, "exec-1", ev.ExecutionID)
}

// readEventLine skips SSE framing blanks and returns the next data line.
func readEventLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "data: ") {
			return line
		}
	}
	t.Fatal("no event line before deadline")
	return ""
}
