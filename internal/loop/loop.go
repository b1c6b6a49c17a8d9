// Package loop drives the observe-decide-act cycle of one execution: capture
// the viewport, ask the decision capability for one step, apply it, repeat
// until the model signals completion or the iteration cap is hit.
package loop

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/config"
	"github.com/xkilldash9x/agentscale/internal/decision"
	"github.com/xkilldash9x/agentscale/internal/execctx"
	"github.com/xkilldash9x/agentscale/internal/executor"
)

// ErrMaxIterations is the terminal error for a run that never converged.
var ErrMaxIterations = fmt.Errorf("Maximum iterations reached without task completion")

// Publisher is where the loop announces actions and observations.
type Publisher interface {
	Publish(ev schemas.Event)
}

// Outcome is everything the loop has to say about a finished run. Actions
// and ObservationRefs hold whatever accumulated before the run ended, on
// failure as much as on success.
type Outcome struct {
	Completed bool
	Summary   string
	Err       error

	Actions         []schemas.Action
	ObservationRefs []string

	// DecisionCalls counts invocations of the decision capability, for the
	// usage ledger.
	DecisionCalls int

	// Strategy is the name of the strategy that produced the final state.
	Strategy string
}

// Runner executes the loop for one execution context at a time.
type Runner struct {
	primary  decision.Strategy
	fallback decision.Strategy
	exec     *executor.Executor
	events   Publisher
	cfg      config.LoopConfig
	log      *zap.Logger
}

// NewRunner wires the loop. A primary strategy and executor are required;
// the fallback may be nil, in which case primary failures end the run.
func NewRunner(primary, fallback decision.Strategy, exec *executor.Executor, events Publisher, cfg config.LoopConfig, logger *zap.Logger) (*Runner, error) {
	if primary == nil {
		return nil, fmt.Errorf("loop: primary strategy is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("loop: executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		primary:  primary,
		fallback: fallback,
		exec:     exec,
		events:   events,
		cfg:      cfg,
		log:      logger.Named("loop"),
	}, nil
}

// Run drives one execution to a terminal state. The returned outcome always
// carries the accumulated actions and observation refs; Err is set when the
// run did not complete.
func (r *Runner) Run(ctx context.Context, ec *execctx.ExecutionContext) Outcome {
	log := r.log.With(
		zap.String("execution_id", ec.ExecutionID),
		zap.String("agent_id", ec.AgentID),
	)

	out := Outcome{Strategy: r.primary.Name()}
	maxIterations := r.cfg.MaxIterations
	if ec.Spec.MaxIterations > 0 {
		maxIterations = ec.Spec.MaxIterations
	}
	settle := r.cfg.SettleDelay
	if ec.Spec.SettleMs > 0 {
		settle = time.Duration(ec.Spec.SettleMs) * time.Millisecond
	}

	width, height := ec.Session.Viewport()
	strategy := r.primary
	switched := false
	continuation := ""

	// Initial observation before the first decision call.
	frame, ref, err := r.observe(ctx, ec, &out)
	if err != nil {
		out.Err = fmt.Errorf("failed to capture initial observation: %w", err)
		return out
	}
	log.Info("Decision loop started",
		zap.String("strategy", strategy.Name()),
		zap.Int("max_iterations", maxIterations),
		zap.String("initial_observation", ref))

	for iteration := 1; ; iteration++ {
		if ec.StopRequested() {
			out.Err = execctx.ErrStopped
			return out
		}
		if iteration > maxIterations {
			out.Err = ErrMaxIterations
			return out
		}

		req := decision.Request{
			Instructions:   ec.Spec.Instructions,
			Observation:    frame,
			Continuation:   continuation,
			ViewportWidth:  width,
			ViewportHeight: height,
		}

		out.DecisionCalls++
		dec, err := strategy.Next(ctx, req)
		if err != nil {
			if ec.StopRequested() {
				out.Err = execctx.ErrStopped
				return out
			}
			// The primary gets exactly one chance; after that the fallback
			// owns the rest of the run.
			if !switched && r.fallback != nil && strategy == r.primary {
				log.Warn("Primary decision strategy failed, falling back",
					zap.String("fallback", r.fallback.Name()),
					zap.Error(err))
				strategy = r.fallback
				out.Strategy = strategy.Name()
				switched = true
				continuation = ""
				iteration--
				continue
			}
			out.Err = fmt.Errorf("decision call failed: %w", err)
			return out
		}
		continuation = dec.Continuation

		if dec.Complete || dec.Action == nil {
			out.Completed = true
			out.Summary = dec.Summary
			if out.Summary == "" {
				out.Summary = "Task completed successfully"
			}
			log.Info("Decision loop completed",
				zap.Int("iterations", iteration),
				zap.Int("actions", len(out.Actions)))
			return out
		}

		action := *dec.Action
		r.publish(schemas.Event{
			Type:        schemas.EventAction,
			AgentID:     ec.AgentID,
			ExecutionID: ec.ExecutionID,
			Action:      &action,
		})

		log.Debug("Applying action",
			zap.Int("iteration", iteration),
			zap.String("type", string(action.Type)))
		if err := r.exec.Apply(ctx, ec.Session, action); err != nil {
			if ec.StopRequested() {
				out.Err = execctx.ErrStopped
				return out
			}
			out.Err = fmt.Errorf("action %q failed: %w", action.Type, err)
			return out
		}
		out.Actions = append(out.Actions, action)

		if err := wait(ctx, settle); err != nil {
			out.Err = interpretCtxErr(ec, err)
			return out
		}

		// Re-observe the viewport so the next decision sees the effect.
		frame, _, err = r.observe(ctx, ec, &out)
		if err != nil {
			out.Err = interpretCtxErr(ec, fmt.Errorf("failed to capture observation: %w", err))
			return out
		}

		if err := wait(ctx, r.cfg.InterActionDelay); err != nil {
			out.Err = interpretCtxErr(ec, err)
			return out
		}
	}
}

// observe captures one frame, records its ref, and publishes it.
func (r *Runner) observe(ctx context.Context, ec *execctx.ExecutionContext, out *Outcome) ([]byte, string, error) {
	frame, err := ec.Session.CaptureScreenshot(ctx)
	if err != nil {
		return nil, "", err
	}
	ref := fmt.Sprintf("obs-%s-%d", ec.ExecutionID, len(out.ObservationRefs))
	out.ObservationRefs = append(out.ObservationRefs, ref)

	r.publish(schemas.Event{
		Type:           schemas.EventObservation,
		AgentID:        ec.AgentID,
		ExecutionID:    ec.ExecutionID,
		Observation:    base64.StdEncoding.EncodeToString(frame),
		ObservationRef: ref,
	})
	return frame, ref, nil
}

func (r *Runner) publish(ev schemas.Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}

// interpretCtxErr folds a context cancellation caused by a stop request into
// the user-facing stop error.
func interpretCtxErr(ec *execctx.ExecutionContext, err error) error {
	if ec.StopRequested() {
		return execctx.ErrStopped
	}
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
