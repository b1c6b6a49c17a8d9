package loop

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/config"
	"github.com/xkilldash9x/agentscale/internal/decision"
	"github.com/xkilldash9x/agentscale/internal/execctx"
	"github.com/xkilldash9x/agentscale/internal/executor"
)

// fakeSession serves canned screenshots and accepts all input.
type fakeSession struct{}

func (fakeSession) ID() string                                         { return "fake" }
func (fakeSession) Navigate(ctx context.Context, address string) error { return nil }
func (fakeSession) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	return []byte("frame"), nil
}
func (fakeSession) Click(ctx context.Context, x, y float64, button string) error { return nil }
func (fakeSession) TypeText(ctx context.Context, text string) error              { return nil }
func (fakeSession) Scroll(ctx context.Context, dx, dy float64) error             { return nil }
func (fakeSession) PressKey(ctx context.Context, key string) error               { return nil }
func (fakeSession) Viewport() (int, int)                                         { return 1280, 720 }
func (fakeSession) Close(ctx context.Context) error                              { return nil }

type fakeFactory struct{}

func (fakeFactory) NewSession(ctx context.Context) (schemas.AutomationSession, error) {
	return fakeSession{}, nil
}

// scriptedStrategy returns its decisions in order, then keeps returning the
// last one. A nil decision slot yields an error instead.
type scriptedStrategy struct {
	name          string
	decisions     []*schemas.Decision
	errs          []error
	calls         int
	continuations []string
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Next(ctx context.Context, req decision.Request) (*schemas.Decision, error) {
	idx := s.calls
	s.calls++
	s.continuations = append(s.continuations, req.Continuation)
	if idx >= len(s.decisions) {
		idx = len(s.decisions) - 1
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return s.decisions[idx], nil
}

// recordingPublisher collects events in publish order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []schemas.Event
}

func (p *recordingPublisher) Publish(ev schemas.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []schemas.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schemas.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func clickAt(x, y float64) *schemas.Decision {
	return &schemas.Decision{
		Action: &schemas.Action{Type: schemas.ActionClick, X: &x, Y: &y},
	}
}

func testLoopConfig() config.LoopConfig {
	return config.LoopConfig{MaxIterations: 20}
}

func openContext(t *testing.T, spec *schemas.AgentSpec) (*execctx.Manager, *execctx.ExecutionContext) {
	t.Helper()
	mgr, err := execctx.NewManager(fakeFactory{}, "https://default.example", zap.NewNop())
	require.NoError(t, err)

	ec, err := mgr.Open(context.Background(), &schemas.Execution{
		ID:      "e1",
		AgentID: "agent-1",
		Status:  schemas.StatusRunning,
	}, spec)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close(context.Background(), ec) })
	return mgr, ec
}

func newRunner(t *testing.T, primary, fallback decision.Strategy, pub Publisher, cfg config.LoopConfig) *Runner {
	t.Helper()
	r, err := NewRunner(primary, fallback, executor.New(cfg, zap.NewNop()), pub, cfg, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRunCompletesImmediately(t *testing.T) {
	primary := &scriptedStrategy{
		name:      "primary",
		decisions: []*schemas.Decision{{Complete: true, Summary: "nothing to do"}},
	}
	_, ec := openContext(t, &schemas.AgentSpec{ID: "agent-1", Instructions: "noop"})

	out := newRunner(t, primary, nil, nil, testLoopConfig()).Run(context.Background(), ec)

	assert.True(t, out.Completed)
	assert.NoError(t, out.Err)
	assert.Equal(t, "nothing to do", out.Summary)
	assert.Empty(t, out.Actions)
	// The initial frame was still observed and recorded.
	assert.Equal(t, []string{"obs-e1-0"}, out.ObservationRefs)
	assert.Equal(t, 1, out.DecisionCalls)
}

func TestRunExecutesActionsThenCompletes(t *testing.T) {
	primary := &scriptedStrategy{
		name: "primary",
		decisions: []*schemas.Decision{
			clickAt(10, 10),
			clickAt(20, 20),
			{Complete: true, Summary: "done"},
		},
	}
	pub := &recordingPublisher{}
	_, ec := openContext(t, &schemas.AgentSpec{ID: "agent-1", Instructions: "click twice"})

	out := newRunner(t, primary, nil, pub, testLoopConfig()).Run(context.Background(), ec)

	require.NoError(t, out.Err)
	assert.True(t, out.Completed)
	assert.Len(t, out.Actions, 2)
	assert.Len(t, out.ObservationRefs, 3) // initial + one per action
	assert.Equal(t, 3, out.DecisionCalls)

	// Per execution, each action event precedes the observation it caused.
	assert.Equal(t, []schemas.EventType{
		schemas.EventObservation,
		schemas.EventAction,
		schemas.EventObservation,
		schemas.EventAction,
		schemas.EventObservation,
	}, pub.types())
}

func TestRunNoActionNoCompleteIsCompletion(t *testing.T) {
	primary := &scriptedStrategy{
		name:      "primary",
		decisions: []*schemas.Decision{{}},
	}
	_, ec := openContext(t, &schemas.AgentSpec{ID: "agent-1", Instructions: "noop"})

	out := newRunner(t, primary, nil, nil, testLoopConfig()).Run(context.Background(), ec)

	// Models may terminate by omission; treat it as completion.
	assert.True(t, out.Completed)
	assert.Equal(t, "Task completed successfully", out.Summary)
}

func TestRunFallsBackOncePrimaryFails(t *testing.T) {
	primary := &scriptedStrategy{
		name:      "primary",
		decisions: []*schemas.Decision{nil},
		errs:      []error{fmt.Errorf("model unavailable")},
	}
	fallback := &scriptedStrategy{
		name: "fallback",
		decisions: []*schemas.Decision{
			clickAt(5, 5),
			{Complete: true, Summary: "done via fallback"},
		},
	}
	_, ec := openContext(t, &schemas.AgentSpec{ID: "agent-1", Instructions: "click"})

	out := newRunner(t, primary, fallback, nil, testLoopConfig()).Run(context.Background(), ec)

	require.NoError(t, out.Err)
	assert.True(t, out.Completed)
	assert.Equal(t, "fallback", out.Strategy)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 2, fallback.calls)
	// The failed primary call still counted toward usage.
	assert.Equal(t, 3, out.DecisionCalls)
}

func TestRunFallbackFailureEndsRun(t *testing.T) {
	primary := &scriptedStrategy{
		name:      "primary",
		decisions: []*schemas.Decision{nil},
		errs:      []error{fmt.Errorf("primary down")},
	}
	fallback := &scriptedStrategy{
		name:      "fallback",
		decisions: []*schemas.Decision{nil},
		errs:      []error{fmt.Errorf("fallback down")},
	}
	_, ec := openContext(t, &schemas.AgentSpec{ID: "agent-1", Instructions: "click"})

	out := newRunner(t, primary, fallback, nil, testLoopConfig()).Run(context.Background(), ec)

	assert.False(t, out.Completed)
	assert.ErrorContains(t, out.Err, "fallback down")
	// The strategy switches at most once; the fallback is not retried with
	// the primary again.
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestRunStopsAtIterationCap(t *testing.T) {
	primary := &scriptedStrategy{
		name:      "primary",
		decisions: []*schemas.Decision{clickAt(1, 1)},
	}
	cfg := testLoopConfig()
	cfg.MaxIterations = 3
	_, ec := openContext(t, &schemas.AgentSpec{ID: "agent-1", Instructions: "loop forever"})

	out := newRunner(t, primary, nil, nil, cfg).Run(context.Background(), ec)

	assert.False(t, out.Completed)
	assert.ErrorIs(t, out.Err, ErrMaxIterations)
	// Partial history survives the failure.
	assert.Len(t, out.Actions, 3)
	assert.Len(t, out.ObservationRefs, 4)
}

func TestRunHonorsSpecIterationOverride(t *testing.T) {
	primary := &scriptedStrategy{
		name:      "primary",
		decisions: []*schemas.Decision{clickAt(1, 1)},
	}
	_, ec := openContext(t, &schemas.AgentSpec{
		ID:            "agent-1",
		Instructions:  "loop forever",
		MaxIterations: 2,
	})

	out := newRunner(t, primary, nil, nil, testLoopConfig()).Run(context.Background(), ec)

	assert.ErrorIs(t, out.Err, ErrMaxIterations)
	assert.Len(t, out.Actions, 2)
}

func TestRunObservesStopRequest(t *testing.T) {
	primary := &scriptedStrategy{
		name:      "primary",
		decisions: []*schemas.Decision{clickAt(1, 1)},
	}
	mgr, ec := openContext(t, &schemas.AgentSpec{ID: "agent-1", Instructions: "loop"})

	require.True(t, mgr.Stop("e1"))

	out := newRunner(t, primary, nil, nil, testLoopConfig()).Run(context.Background(), ec)

	assert.False(t, out.Completed)
	assert.ErrorIs(t, out.Err, execctx.ErrStopped)
	assert.Zero(t, primary.calls, "no decision call after a stop request")
}

func TestRunThreadsContinuation(t *testing.T) {
	primary := &scriptedStrategy{
		name: "primary",
		decisions: []*schemas.Decision{
			{Action: &schemas.Action{Type: schemas.ActionWait}, Continuation: "resp-1|call-1"},
			{Complete: true},
		},
	}
	cfg := testLoopConfig()
	_, ec := openContext(t, &schemas.AgentSpec{ID: "agent-1", Instructions: "wait"})

	out := newRunner(t, primary, nil, nil, cfg).Run(context.Background(), ec)

	require.NoError(t, out.Err)
	// First call starts cold, second carries the token from the first.
	assert.Equal(t, []string{"", "resp-1|call-1"}, primary.continuations)
}
