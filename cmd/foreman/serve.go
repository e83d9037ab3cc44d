package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsforge/foreman/internal/adapter"
	"github.com/opsforge/foreman/internal/config"
	"github.com/opsforge/foreman/internal/events"
	"github.com/opsforge/foreman/internal/gitops"
	"github.com/opsforge/foreman/internal/logging"
	"github.com/opsforge/foreman/internal/orchestrator"
	"github.com/opsforge/foreman/internal/pause"
	"github.com/opsforge/foreman/internal/server"
	"github.com/opsforge/foreman/internal/store"
	"github.com/opsforge/foreman/internal/templates"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the work order API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")
	return cmd
}

func serve(configPath string) error {
	// Signal-aware context for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := store.NewSQLiteStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Close()

	catalog, err := templates.LoadCatalog(cfg.Templates)
	if err != nil {
		return err
	}
	resolver := templates.NewResolver(catalog)

	pm := adapter.NewProcessManager()
	factory := adapter.NewRegistry(logger, pm)

	git := gitops.NewOps(gitops.Config{
		RepoRoot:      cfg.Git.RepoRoot,
		WorkspaceRoot: cfg.Git.WorkspaceRoot,
		BaseBranch:    cfg.Git.BaseBranch,
		GitHubToken:   cfg.Git.GitHubToken,
	}, logger)

	pauses := pause.NewController(st, logger, pause.Config{
		Timeout:       cfg.Pause.Timeout,
		SweepInterval: cfg.Pause.SweepInterval,
	})
	if err := pauses.Rehydrate(ctx); err != nil {
		return err
	}
	pauses.Start(ctx)
	defer pauses.Stop()

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrent:   cfg.Engine.MaxConcurrent,
		StepTimeout:     cfg.Engine.StepTimeout,
		SubStepTimeout:  cfg.Engine.SubStepTimeout,
		DefaultProvider: cfg.Engine.DefaultProvider,
	}, st, bus, pauses, git, resolver, factory, pm, logger)

	srv := server.New(server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, orch, st, bus, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		// Restore default signal handling so a second signal force-exits.
		stop()
	}

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	// Cancels in-flight runs and kills tracked CLI subprocesses.
	orch.Shutdown()

	logger.Info("shutdown complete")
	return nil
}
