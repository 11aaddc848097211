// Package main is the entrypoint for the deadletter server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/deadletter/internal/api"
	"github.com/kiranshivaraju/deadletter/internal/api/handler"
	mw "github.com/kiranshivaraju/deadletter/internal/api/middleware"
	"github.com/kiranshivaraju/deadletter/internal/config"
	"github.com/kiranshivaraju/deadletter/internal/grouping"
	"github.com/kiranshivaraju/deadletter/internal/housekeeping"
	"github.com/kiranshivaraju/deadletter/internal/issue"
	"github.com/kiranshivaraju/deadletter/internal/lock"
	"github.com/kiranshivaraju/deadletter/internal/manualtask"
	"github.com/kiranshivaraju/deadletter/internal/metrics"
	"github.com/kiranshivaraju/deadletter/internal/recovery"
	"github.com/kiranshivaraju/deadletter/internal/resend"
	"github.com/kiranshivaraju/deadletter/internal/resender"
	"github.com/kiranshivaraju/deadletter/internal/scheduler"
	"github.com/kiranshivaraju/deadletter/internal/store"
	"github.com/kiranshivaraju/deadletter/internal/tasksync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logLevel := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(logLevel); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logLevel *slog.LevelVar) error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(cfg.Server.LogLevel)
	slog.Info("config loaded", "env", cfg.Server.Env, "lock_backend", cfg.Lock.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	pgStore := store.NewPostgresStore(pool)

	// 4. Distributed lock
	owner, _ := os.Hostname()
	locker, lockPing, closeLocker, err := newLocker(ctx, cfg, pool, owner)
	if err != nil {
		return err
	}
	defer closeLocker()
	slog.Info("lock backend ready", "backend", cfg.Lock.Backend, "owner", owner)

	// 5. Connect to NATS
	nc, err := resender.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	slog.Info("nats connected", "url", cfg.NATS.URL)

	// 6. Outbound clients
	taskFactory := manualtask.NewFactory(cfg.TaskManagement)
	var tasks manualtask.Client = manualtask.DisabledClient{}
	if cfg.TaskManagement.Enabled {
		tasks = manualtask.NewHTTPClient(cfg.TaskManagement.BaseURL, cfg.TaskManagement.Username,
			cfg.TaskManagement.Password, cfg.TaskManagement.Timeout, taskFactory.TaskType())
	}

	var tracker issue.Tracker
	if cfg.IssueTracking.Enabled() {
		tracker = issue.NewJiraClient(cfg.IssueTracking.BaseURL, cfg.IssueTracking.Username,
			cfg.IssueTracking.Token, cfg.IssueTracking.Timeout)
	}
	slog.Info("outbound clients configured",
		"task_management", cfg.TaskManagement.Enabled, "issue_tracking", cfg.IssueTracking.Enabled())

	// 7. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// 8. Services
	strategy, err := resend.NewDefaultStrategy(cfg.Resend)
	if err != nil {
		return fmt.Errorf("create resend strategy: %w", err)
	}
	groups := grouping.NewService(pgStore, cfg.Grouping.Enabled, tracker, grouping.IssueConfig{
		Project:   cfg.IssueTracking.Project,
		IssueType: cfg.IssueTracking.IssueType,
		GroupURL:  cfg.IssueTracking.GroupBaseURL,
	})
	svc := recovery.NewService(recovery.Dependencies{
		Store:       pgStore,
		Strategy:    strategy,
		Coordinator: resend.NewCoordinator(pgStore),
		Resender:    resender.NewNATSResender(nc, cfg.NATS.SubjectPrefix, cfg.NATS.PublishTimeout),
		Tasks:       tasks,
		TaskFactory: taskFactory,
		Grouper:     groups,
		Recorder:    m,
	})

	// 9. Periodic jobs
	jobs := scheduler.New(locker, cfg.Server.Workers, m)
	if err := registerJobs(jobs, cfg, pgStore, svc, m); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}
	jobs.Start()
	slog.Info("scheduler started", "workers", cfg.Server.Workers)

	// 10. Build router with dependencies
	deps := api.Dependencies{
		Auth: mw.NewAuth(cfg.Admin.APIKeyHash),

		HealthHandler: handler.NewHealth(map[string]handler.Pinger{
			"database": pgStore,
			"lock":     lockPing,
			"nats":     handler.PingFunc(nc.FlushWithContext),
		}),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),

		ReportFailure: handler.NewReportFailure(svc),
		ListErrors:    handler.NewListErrors(svc),
		GetError:      handler.NewGetError(svc),
		ResendError:   handler.NewResendError(svc),
		DeleteError:   handler.NewDeleteError(svc),
		AuditLog:      handler.NewAuditLog(svc),

		GetErrorGroup:      handler.NewGetErrorGroup(groups),
		AssignTicketNumber: handler.NewAssignTicketNumber(groups),
		UpdateFreeText:     handler.NewUpdateFreeText(groups),
		CreateIssue:        handler.NewCreateIssue(groups),
	}

	router := api.NewRouter(deps)

	// 11. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	if err := jobs.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduler did not stop in time", "error", err)
	}
	if err := nc.Drain(); err != nil {
		slog.Warn("nats drain", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newLocker builds the configured lock backend together with its health
// check and a close function.
func newLocker(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, owner string) (lock.Locker, handler.Pinger, func(), error) {
	switch cfg.Lock.Backend {
	case "redis":
		rl, err := lock.NewRedisLocker(cfg.Redis.URL, owner)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create redis locker: %w", err)
		}
		if err := rl.Ping(ctx); err != nil {
			rl.Close()
			return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return rl, rl, func() { rl.Close() }, nil
	case "postgres":
		return lock.NewPostgresLocker(pool, owner), handler.PingFunc(pool.Ping), func() {}, nil
	default:
		slog.Warn("in-memory lock backend only coordinates a single instance")
		return lock.NewMemoryLocker(), handler.PingFunc(func(context.Context) error { return nil }), func() {}, nil
	}
}

// jobStore is everything the periodic jobs read from the database.
type jobStore interface {
	resend.DueStore
	store.Housekeeping
	metrics.SnapshotStore
}

func registerJobs(reg *scheduler.Registry, cfg *config.Config, s jobStore, svc *recovery.Service, m *metrics.Metrics) error {
	resends := resend.NewExecutor(s, svc, cfg.ResendScheduler.ChunkSize, cfg.ResendScheduler.MaxConsecutiveChunks)
	tasks := tasksync.NewExecutor(svc, cfg.TaskSync.ChunkSize, cfg.TaskSync.MaxConsecutiveChunks)
	hk := housekeeping.NewEngine(s, cfg.Housekeeping.ErrorMaxAge, cfg.Housekeeping.PageSize, cfg.Housekeeping.MaxPages)

	jobs := []scheduler.Job{
		{
			Name:        resend.JobName,
			Cron:        cfg.ResendScheduler.Cron,
			Locked:      true,
			LockAtLeast: cfg.ResendScheduler.LockAtLeast,
			LockAtMost:  cfg.ResendScheduler.LockAtMost,
			Run: func(ctx context.Context) error {
				_, err := resends.Run(ctx)
				return err
			},
		},
		{
			Name:        tasksync.JobName,
			Cron:        cfg.TaskSync.Cron,
			Locked:      true,
			LockAtLeast: cfg.TaskSync.LockAtLeast,
			LockAtMost:  cfg.TaskSync.LockAtMost,
			Run: func(ctx context.Context) error {
				_, err := tasks.Run(ctx)
				return err
			},
		},
		{
			Name:        housekeeping.JobName,
			Cron:        cfg.Housekeeping.Cron,
			Locked:      true,
			LockAtLeast: cfg.Housekeeping.LockAtLeast,
			LockAtMost:  cfg.Housekeeping.LockAtMost,
			Run: func(ctx context.Context) error {
				_, err := hk.Run(ctx)
				return err
			},
		},
		{
			Name: metrics.RefreshJobName,
			Cron: cfg.Metrics.RefreshCron,
			Run: func(ctx context.Context) error {
				return m.Refresh(ctx, s)
			},
		},
	}

	for _, j := range jobs {
		if err := reg.Register(j); err != nil {
			return err
		}
	}
	return nil
}
