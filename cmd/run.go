// -- cmd/run.go --
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
	"github.com/xkilldash9x/agentscale/internal/browser"
	"github.com/xkilldash9x/agentscale/internal/decision"
	"github.com/xkilldash9x/agentscale/internal/execctx"
	"github.com/xkilldash9x/agentscale/internal/executor"
	"github.com/xkilldash9x/agentscale/internal/loop"
	"github.com/xkilldash9x/agentscale/internal/observability"
)

// newRunCmd creates the `run` command: a one-shot agent execution without
// the HTTP service, useful for trying instructions out locally.
func newRunCmd() *cobra.Command {
	var (
		instructions string
		target       string
		iterations   int
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a single agent task locally and prints the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			if instructions == "" {
				return fmt.Errorf("--instructions is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, instructions, target, iterations)
		},
	}

	runCmd.Flags().StringVarP(&instructions, "instructions", "i", "", "task instructions for the agent")
	runCmd.Flags().StringVarP(&target, "target", "t", "", "target website (defaults to browser.default_address)")
	runCmd.Flags().IntVar(&iterations, "max-iterations", 0, "iteration cap (overrides loop.max_iterations)")
	return runCmd
}

func runOnce(ctx context.Context, instructions, target string, iterations int) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	browserMgr, err := browser.NewManager(ctx, logger, cfg.Browser)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := browserMgr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown reported an error", zap.Error(err))
		}
	}()

	contexts, err := execctx.NewManager(browserMgr, cfg.Browser.DefaultAddress, logger)
	if err != nil {
		return err
	}

	primary, err := decision.NewComputerUseStrategy(cfg.Decision, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize primary decision strategy: %w", err)
	}
	fallback, err := decision.NewVisionStrategy(cfg.Decision, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize fallback decision strategy: %w", err)
	}

	runner, err := loop.NewRunner(primary, fallback, executor.New(cfg.Loop, logger), nil, cfg.Loop, logger)
	if err != nil {
		return err
	}

	spec := &schemas.AgentSpec{
		ID:            uuid.New().String(),
		Name:          "cli-run",
		Instructions:  instructions,
		TargetWebsite: target,
		Priority:      schemas.PriorityNormal,
		MaxIterations: iterations,
	}
	exec := &schemas.Execution{
		ID:      uuid.New().String(),
		AgentID: spec.ID,
		Status:  schemas.StatusRunning,
	}

	ec, err := contexts.Open(ctx, exec, spec)
	if err != nil {
		return err
	}
	defer contexts.Close(context.Background(), ec)

	outcome := runner.Run(ec.Ctx, ec)

	report := struct {
		Completed       bool             `json:"completed"`
		Summary         string           `json:"summary,omitempty"`
		Error           string           `json:"error,omitempty"`
		Strategy        string           `json:"strategy"`
		DecisionCalls   int              `json:"decisionCalls"`
		Actions         []schemas.Action `json:"actions"`
		ObservationRefs []string         `json:"observationRefs"`
	}{
		Completed:       outcome.Completed,
		Summary:         outcome.Summary,
		Strategy:        outcome.Strategy,
		DecisionCalls:   outcome.DecisionCalls,
		Actions:         outcome.Actions,
		ObservationRefs: outcome.ObservationRefs,
	}
	if outcome.Err != nil {
		report.Error = outcome.Err.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if outcome.Err != nil {
		return fmt.Errorf("run did not complete: %w", outcome.Err)
	}
	return nil
}
