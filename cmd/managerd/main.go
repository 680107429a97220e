// managerd is the esup-runner Manager: it accepts media-processing task
// submissions, dispatches them to registered runners, tracks their
// lifecycle, and streams results back to clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/EsupPortail/esup-runner/internal/api"
	"github.com/EsupPortail/esup-runner/internal/auth"
	"github.com/EsupPortail/esup-runner/internal/config"
	"github.com/EsupPortail/esup-runner/internal/dispatch"
	"github.com/EsupPortail/esup-runner/internal/domain"
	"github.com/EsupPortail/esup-runner/internal/notify"
	"github.com/EsupPortail/esup-runner/internal/postgres"
	"github.com/EsupPortail/esup-runner/internal/registry"
	"github.com/EsupPortail/esup-runner/internal/resultaccess"
	"github.com/EsupPortail/esup-runner/internal/retention"
	"github.com/EsupPortail/esup-runner/internal/runnerclient"
	"github.com/EsupPortail/esup-runner/internal/taskmgr"
	"github.com/EsupPortail/esup-runner/internal/taskstore"
)

// resultIdleTimeout bounds how long a proxied result stream may stall
// between chunks; total duration stays unbounded for large files.
const resultIdleTimeout = 60 * time.Second

// lazyTaskSource breaks the construction cycle between the notify
// pipeline (which reads tasks) and the task manager (which enqueues
// notifications): the pipeline is built against this shell, and the
// manager is plugged in before anything starts.
type lazyTaskSource struct {
	mgr *taskmgr.Manager
}

func (l *lazyTaskSource) Get(taskID string) (domain.Task, bool) {
	return l.mgr.Get(taskID)
}

func (l *lazyTaskSource) RecordNotifyOutcome(taskID, runID string, attemptErr error, delivered bool) {
	l.mgr.RecordNotifyOutcome(taskID, runID, attemptErr, delivered)
}

// noopAuditStore satisfies the audit interface when no audit_log_dsn is
// configured, so Postgres never becomes a hard runtime requirement.
type noopAuditStore struct{}

func (noopAuditStore) Log(context.Context, string, string, string, string, string) error {
	return nil
}

func (noopAuditStore) List(context.Context, int, int) ([]domain.AuditEntry, error) {
	return []domain.AuditEntry{}, nil
}

func (noopAuditStore) DeleteOlderThan(context.Context, time.Time) (int, error) {
	return 0, nil
}

func slogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /managerd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/healthz")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Config first: the log level and destination depend on it.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", configPath, err)
		os.Exit(1)
	}

	// Context-aware slog handler so request_id lands in every log record.
	var logOut io.Writer = os.Stdout
	if cfg.LogDirectory != "" {
		if err := os.MkdirAll(cfg.LogDirectory, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
			os.Exit(1)
		}
		f, err := os.OpenFile(filepath.Join(cfg.LogDirectory, "manager.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	baseHandler := slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(api.NewContextHandler(baseHandler)))
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	ctx := context.Background()

	reg, err := registry.New(cfg.ManagerVersion)
	if err != nil {
		slog.Error("invalid manager_version", "error", err)
		os.Exit(1)
	}

	store, err := taskstore.New(cfg.TaskStorePath)
	if err != nil {
		slog.Error("failed to open task store", "path", cfg.TaskStorePath, "error", err)
		os.Exit(1)
	}

	// Outbound runner client and dispatcher. The completion callback URL
	// is what runners call back when a task finishes.
	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", cfg.ManagerPort)
	}
	baseURL = strings.TrimRight(baseURL, "/")
	client := runnerclient.New()
	dispatcher := dispatch.New(reg, client, cfg.PingTimeout.Duration, cfg.DispatchTimeout.Duration,
		func(string) string { return baseURL + "/task/completion" })

	// Notify pipeline and task manager reference each other; the lazy
	// source closes the loop before either starts.
	source := &lazyTaskSource{}
	pipeline := notify.New(source, notify.Config{
		Workers:       cfg.NotifyWorkers,
		QueueSize:     cfg.NotifyQueueSize,
		MaxRetries:    cfg.NotifyMaxRetries,
		BaseDelay:     cfg.NotifyRetryDelay.Duration,
		BackoffFactor: cfg.NotifyBackoffFactor,
		Timeout:       cfg.NotifyTimeout.Duration,
	})
	manager := taskmgr.New(store, dispatcher, pipeline, taskmgr.Config{
		DispatchRetryDelay:   cfg.DispatchRetryDelay.Duration,
		DispatchMaxAttempts:  cfg.DispatchMaxAttempts,
		DispatchWorkers:      cfg.DispatchWorkers,
		DispatchQueueSize:    cfg.DispatchQueueSize,
		ExecutionTimeout:     cfg.ExecutionTimeout.Duration,
		TimeoutSweepInterval: cfg.TimeoutSweepInterval.Duration,
		RedispatchOnStartup:  cfg.RedispatchOnStartup,
	})
	source.mgr = manager

	srv := &api.Server{
		Tasks:    manager,
		Registry: reg,
		Audit:    noopAuditStore{},

		Auth:              auth.TokenAuth(cfg.AuthorizedTokens),
		AdminAuth:         auth.AdminBasicAuth(cfg.AdminUsers),
		RunnerVersionGate: auth.RequireRunnerVersion(cfg.ManagerVersion),

		Version:          cfg.ManagerVersion,
		SSRFAllowPrivate: cfg.SSRFAllowPrivate,

		CORSAllowOrigins:     cfg.CORSAllowOrigins,
		CORSAllowCredentials: cfg.CORSAllowCredentials,
		CORSAllowMethods:     cfg.CORSAllowMethods,
		CORSAllowHeaders:     cfg.CORSAllowHeaders,
	}
	globalLimit := api.DefaultRateLimitConfig()
	adminLimit := api.DefaultAdminRateLimitConfig()
	srv.RateLimit = &globalLimit
	srv.AdminRateLimit = &adminLimit

	// Result access: shared storage (S3 or local filesystem) or proxy
	// through the assigned runner.
	if cfg.SharedStorageEnabled {
		if cfg.SharedStorageS3Endpoint != "" {
			s3Client, err := minio.New(cfg.SharedStorageS3Endpoint, &minio.Options{
				Creds:  credentials.NewStaticV4(cfg.SharedStorageS3AccessKey, cfg.SharedStorageS3SecretKey, ""),
				Secure: cfg.SharedStorageS3UseSSL,
			})
			if err != nil {
				slog.Error("failed to create S3 client", "endpoint", cfg.SharedStorageS3Endpoint, "error", err)
				os.Exit(1)
			}
			srv.Results = resultaccess.NewSharedStorage(resultaccess.LocalConfig{}, &resultaccess.S3Config{
				Client: s3Client,
				Bucket: cfg.SharedStorageS3Bucket,
			})
			slog.Info("result access: shared storage (s3)",
				"endpoint", cfg.SharedStorageS3Endpoint, "bucket", cfg.SharedStorageS3Bucket)
		} else {
			srv.Results = resultaccess.NewSharedStorage(resultaccess.LocalConfig{Root: cfg.SharedStoragePath}, nil)
			slog.Info("result access: shared storage (filesystem)", "root", cfg.SharedStoragePath)
		}
	} else {
		srv.Results = resultaccess.NewProxy(client, reg, resultIdleTimeout)
		slog.Info("result access: proxy through runners")
	}

	// Optional Postgres audit log for administrative actions.
	var closePool func()
	if cfg.AuditLogDSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.AuditLogDSN)
		if err != nil {
			slog.Error("failed to connect to audit database", "error", err)
			os.Exit(1)
		}
		closePool = pool.Close
		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("failed to run audit migrations", "error", err)
			os.Exit(1)
		}
		srv.Audit = postgres.NewAuditStore(pool)
		srv.DBHealth = postgres.NewHealthChecker(pool)
		slog.Info("audit log enabled (postgres)")
	}

	// Load persisted tasks and re-enqueue unfinished work.
	requeued, err := manager.LoadAndRedispatch(ctx)
	if err != nil {
		slog.Error("failed to load task store", "error", err)
		os.Exit(1)
	}
	if requeued > 0 {
		slog.Info("re-enqueued unfinished tasks from previous run", "count", requeued)
	}

	// Background workers: dispatch pool + timeout sweeper, notify pool,
	// runner liveness sweeper, optional retention sweep.
	manager.Start(ctx)
	pipeline.Start(ctx, cfg.NotifyWorkers)

	sweeper := registry.NewSweeper(reg, cfg.HeartbeatSweepInterval.Duration, cfg.HeartbeatDeadAfter.Duration)
	sweeper.Start(ctx)

	var retentionSweep *retention.Sweeper
	if cfg.TaskRetentionDays > 0 {
		retentionSweep, err = retention.New(store, cfg.RetentionCron, cfg.TaskRetentionDays)
		if err != nil {
			slog.Error("invalid retention_cron", "error", err)
			os.Exit(1)
		}
		retentionSweep.Start(ctx)
		slog.Info("retention sweep enabled", "cron", cfg.RetentionCron, "days", cfg.TaskRetentionDays)
	}

	router := api.NewRouter(srv)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ManagerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting managerd", "addr", httpServer.Addr, "version", cfg.ManagerVersion)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: stop accepting connections, then drain workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout.Duration)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	manager.Stop()
	slog.Info("task manager stopped")
	pipeline.Stop()
	slog.Info("notify pipeline stopped")
	sweeper.Stop()
	slog.Info("runner liveness sweeper stopped")
	if retentionSweep != nil {
		retentionSweep.Stop()
		slog.Info("retention sweep stopped")
	}
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
	}
	if srv.AdminLimiterStop != nil {
		srv.AdminLimiterStop()
	}
	if closePool != nil {
		closePool()
		slog.Info("audit database pool closed")
	}

	slog.Info("managerd shutdown complete")
}
