// Package executor applies decided actions to a live browser session. It is
// deliberately forgiving: coordinates are clamped into the viewport and
// unrecognized action kinds are logged and skipped, because a model that
// invents a parameter should cost one wasted step, not the whole run.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/config"
)

// Executor translates abstract actions into session input.
type Executor struct {
	cfg config.LoopConfig
	log *zap.Logger
}

// New creates an Executor.
func New(cfg config.LoopConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{cfg: cfg, log: logger.Named("executor")}
}

// Apply executes one action against the session. The caller owns the settle
// delay between the action and the next observation.
func (e *Executor) Apply(ctx context.Context, session schemas.AutomationSession, action schemas.Action) error {
	return e.dispatch(ctx, session, action)
}

func (e *Executor) dispatch(ctx context.Context, session schemas.AutomationSession, action schemas.Action) error {
	switch action.Type {
	case schemas.ActionClick:
		if action.X == nil || action.Y == nil {
			e.log.Warn("Click action missing coordinates, skipping")
			return nil
		}
		width, height := session.Viewport()
		x := clamp(*action.X, 0, float64(width-1))
		y := clamp(*action.Y, 0, float64(height-1))
		if x != *action.X || y != *action.Y {
			e.log.Debug("Clamped click coordinates into viewport",
				zap.Float64("raw_x", *action.X), zap.Float64("raw_y", *action.Y),
				zap.Float64("x", x), zap.Float64("y", y))
		}
		if err := session.Click(ctx, x, y, action.Button); err != nil {
			return fmt.Errorf("click at (%.0f, %.0f) failed: %w", x, y, err)
		}
		return nil

	case schemas.ActionTypeText:
		if action.Text == "" {
			e.log.Warn("Type action carried no text, skipping")
			return nil
		}
		if err := session.TypeText(ctx, action.Text); err != nil {
			return fmt.Errorf("type failed: %w", err)
		}
		return nil

	case schemas.ActionScroll:
		var dx, dy float64
		if action.ScrollX != nil {
			dx = *action.ScrollX
		}
		if action.ScrollY != nil {
			dy = *action.ScrollY
		}
		if dx == 0 && dy == 0 {
			e.log.Warn("Scroll action carried no deltas, skipping")
			return nil
		}
		if err := session.Scroll(ctx, dx, dy); err != nil {
			return fmt.Errorf("scroll by (%.0f, %.0f) failed: %w", dx, dy, err)
		}
		return nil

	case schemas.ActionKeypress:
		for _, key := range action.Keys {
			if err := session.PressKey(ctx, key); err != nil {
				return fmt.Errorf("keypress %q failed: %w", key, err)
			}
			if err := sleep(ctx, e.cfg.InterKeyDelay); err != nil {
				return err
			}
		}
		return nil

	case schemas.ActionWait:
		wait := e.cfg.DefaultWait
		if action.DurationMs != nil && *action.DurationMs > 0 {
			wait = time.Duration(*action.DurationMs) * time.Millisecond
		}
		return sleep(ctx, wait)

	case schemas.ActionScreenshot:
		// A frame is captured after every action anyway; nothing to do.
		return nil

	default:
		e.log.Warn("Skipping unrecognized action kind", zap.String("type", string(action.Type)))
		return nil
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sleep(ctx context.Context, d time.Duration) error {
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
