package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/internal/ci"
	"github.com/forgeops/foreman/internal/config"
	"github.com/forgeops/foreman/internal/event"
	"github.com/forgeops/foreman/internal/inbox"
	"github.com/forgeops/foreman/internal/logging"
	"github.com/forgeops/foreman/internal/orchestrator"
	"github.com/forgeops/foreman/internal/review"
	"github.com/forgeops/foreman/internal/sandbox"
	"github.com/forgeops/foreman/internal/server"
	"github.com/forgeops/foreman/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the foreman daemon",
	Long: `Run the foreman daemon: the HTTP API, the task drivers, and the
verification loop. Interrupted tasks are resumed from persisted state.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "API port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	logDir := ""
	if cfg.Logging.Enabled {
		logDir = cfg.Storage.ResolveDataDir()
	}
	logger, err := logging.NewLogger(logDir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	st, err := store.Open(cfg.Storage.ResolveDataDir())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	bus := event.NewBus()
	queue := inbox.NewCoordinator(st, bus, logger)

	executor := sandbox.NewLocalExecutor(
		cfg.ResolveWorkspaceDir(),
		cfg.Executor.WorkerCommand,
		cfg.Executor.RunTimeout(),
		logger,
	)
	reviews := review.NewGitHubAdapter(cfg.Review.Draft, cfg.Review.Labels, logger)
	checks := ci.NewGitHubAdapter(logger)

	router, err := review.NewRouter(cfg.Review.Reviewers.Default, cfg.Review.Reviewers.ByPath)
	if err != nil {
		return fmt.Errorf("invalid reviewer routing config: %w", err)
	}

	orch := orchestrator.New(st, bus, queue, executor, reviews, checks, router, cfg, logger)
	if err := orch.Resume(); err != nil {
		return fmt.Errorf("failed to resume persisted tasks: %w", err)
	}

	srv := server.New(cfg.Server.Port, orch, queue, bus, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Printf("foreman listening on port %d\n", cfg.Server.Port)
	fmt.Printf("data directory: %s\n", cfg.Storage.ResolveDataDir())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		orch.Stop()
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	orch.Stop()
	fmt.Println("foreman stopped")
	return nil
}
