// -- cmd/serve.go --
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/agentscale/internal/broadcast"
	"github.com/xkilldash9x/agentscale/internal/browser"
	"github.com/xkilldash9x/agentscale/internal/decision"
	"github.com/xkilldash9x/agentscale/internal/execctx"
	"github.com/xkilldash9x/agentscale/internal/executor"
	"github.com/xkilldash9x/agentscale/internal/ledger"
	"github.com/xkilldash9x/agentscale/internal/loop"
	"github.com/xkilldash9x/agentscale/internal/observability"
	"github.com/xkilldash9x/agentscale/internal/scheduler"
	"github.com/xkilldash9x/agentscale/internal/server"
	"github.com/xkilldash9x/agentscale/internal/store"
)

// newServeCmd creates the `serve` command: the full orchestration service.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the orchestration service: scheduler, browser pool, and HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			return viper.BindPFlag("scheduler.concurrency", cmd.Flags().Lookup("concurrency"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}

	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().Int("concurrency", 0, "max concurrent executions (overrides scheduler.concurrency)")
	return serveCmd
}

func runServe(ctx context.Context) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	repo, cleanup, err := openRepository(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ldg, err := ledger.New(repo, logger)
	if err != nil {
		return err
	}

	events := broadcast.New(cfg.Server.KeepaliveInterval, logger)
	defer events.Close()

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
	defer contexts.Shutdown(context.Background())

	primary, err := decision.NewComputerUseStrategy(cfg.Decision, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize primary decision strategy: %w", err)
	}
	fallback, err := decision.NewVisionStrategy(cfg.Decision, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize fallback decision strategy: %w", err)
	}

	runner, err := loop.NewRunner(primary, fallback, executor.New(cfg.Loop, logger), events, cfg.Loop, logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(repo, ldg, contexts, runner, events, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg.Server, repo, sched, contexts, events, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		events.Run(gctx)
		return nil
	})
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("Orchestration service started")
	return g.Wait()
}

// openRepository builds the configured store backend.
func openRepository(ctx context.Context, logger *zap.Logger) (store.Repository, func(), error) {
	switch cfg.Database.Type {
	case "", "memory":
		logger.Info("Using in-memory repository")
		return store.NewMemoryStore(), func() {}, nil
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, nil, fmt.Errorf("database.url is required for the postgres backend")
		}
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		repo, err := store.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database type %q", cfg.Database.Type)
	}
}
