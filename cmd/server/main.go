package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentforge-io/agentforge/internal/agent"
	"github.com/agentforge-io/agentforge/internal/api"
	"github.com/agentforge-io/agentforge/internal/config"
	"github.com/agentforge-io/agentforge/internal/db"
	"github.com/agentforge-io/agentforge/internal/executor"
	"github.com/agentforge-io/agentforge/internal/metrics"
	"github.com/agentforge-io/agentforge/internal/orchestrator"
	"github.com/agentforge-io/agentforge/internal/policy"
	"github.com/agentforge-io/agentforge/internal/queue"
	"github.com/agentforge-io/agentforge/internal/repositories"
	"github.com/agentforge-io/agentforge/internal/scheduler"
	"github.com/agentforge-io/agentforge/internal/skills"
	"github.com/agentforge-io/agentforge/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	settings := config.FromEnv()

	root := &cobra.Command{
		Use:   "agentforge-server",
		Short: "agentforge server — AI coding-agent job orchestrator",
		Long: `agentforge server drives an external AI coding-agent through isolated
per-job workspaces: it accepts a requirement plus input files, routes the
request to a skill, executes the job against the agent server with automated
permission handling, verifies the outputs and packages the result bundle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &settings)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(&settings))

	root.PersistentFlags().StringVar(&settings.HTTPAddr, "http-addr", settings.HTTPAddr, "HTTP API listen address")
	root.PersistentFlags().StringVar(&settings.DBDriver, "db-driver", settings.DBDriver, "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&settings.DBDSN, "db-dsn", settings.DBDSN, "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&settings.DataRoot, "data-root", settings.DataRoot, "Parent directory for job workspaces")
	root.PersistentFlags().StringVar(&settings.AgentBaseURL, "agent-base-url", settings.AgentBaseURL, "Base URL of the agent server")
	root.PersistentFlags().IntVar(&settings.WorkerCount, "workers", settings.WorkerCount, "Number of job execution workers")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentforge-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(settings *config.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(settings.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			// db.New applies all pending migrations on open.
			_, err = db.New(db.Config{
				Driver:   settings.DBDriver,
				DSN:      settings.DBDSN,
				Logger:   logger,
				LogLevel: gormlogger.Warn,
			})
			return err
		},
	}
}

func run(ctx context.Context, settings *config.Settings) error {
	logger, err := buildLogger(settings.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := settings.EnsureDataRoot(); err != nil {
		return err
	}

	logger.Info("starting agentforge server",
		zap.String("version", version),
		zap.String("http_addr", settings.HTTPAddr),
		zap.String("db_driver", settings.DBDriver),
		zap.String("data_root", settings.DataRoot),
		zap.String("agent_base_url", settings.AgentBaseURL),
		zap.Int("workers", settings.WorkerCount),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver:   settings.DBDriver,
		DSN:      settings.DBDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}
	store := repositories.NewJobStore(database)

	m := metrics.New()
	workspaces := workspace.NewManager(settings.DataRoot, settings.MaxUploadFileSizeBytes)
	bundler := workspace.NewBundler()

	agentClient := agent.NewClient(
		settings.AgentBaseURL, settings.AgentUsername, settings.AgentPassword,
		settings.AgentRequestTimeout, m, logger,
	)
	bridge := agent.NewBridge(settings.AgentBaseURL, settings.AgentUsername, settings.AgentPassword, logger)

	registry := skills.NewRegistry()
	router := skills.NewRouter(registry, settings.SkillFallbackThreshold)
	policyEngine := policy.NewEngine()

	exec := executor.New(store, workspaces, bundler, registry, agentClient, bridge, policyEngine, m, executor.Config{
		SoftTimeout:    settings.JobSoftTimeout,
		PermissionWait: settings.PermissionWaitTimeout,
		PollInterval:   settings.StatusPollInterval,
	}, logger)

	workQueue := queue.New(store, exec, settings.JobHardTimeout, logger)
	if err := workQueue.RequeueStartup(ctx); err != nil {
		return fmt.Errorf("startup requeue failed: %w", err)
	}
	workQueue.Start(ctx, settings.WorkerCount)

	service := orchestrator.New(store, workspaces, registry, router, agentClient, workQueue, settings.DefaultAgent, logger)

	sched, err := scheduler.New(store, workspaces, settings.WorkspaceRetention, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	handler := api.NewRouter(api.RouterConfig{
		Orchestrator:     service,
		Metrics:          m,
		Logger:           logger,
		MaxUploadBytes:   settings.MaxUploadFileSizeBytes,
		DefaultTenantID:  settings.DefaultTenantID,
		DefaultCreatedBy: settings.DefaultCreatedBy,
	})
	server := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", settings.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down agentforge server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler shutdown incomplete", zap.Error(err))
	}
	workQueue.Wait()
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
