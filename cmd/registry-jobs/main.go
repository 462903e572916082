// Command registry-jobs is the background job worker of the package
// registry.
//
// Subcommands:
//
//	worker   poll background_jobs and run jobs; serves /healthz and /metrics
//	migrate  run pending database migrations and exit
//	enqueue  insert one job row
//	jobs     list, retry or delete queued jobs
//	check    exit non-zero when dead-lettered jobs exist
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers
	// before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/scarson/registry-jobs/internal/api"
	"github.com/scarson/registry-jobs/internal/backoff"
	"github.com/scarson/registry-jobs/internal/config"
	"github.com/scarson/registry-jobs/internal/index"
	"github.com/scarson/registry-jobs/internal/job"
	"github.com/scarson/registry-jobs/internal/metrics"
	"github.com/scarson/registry-jobs/internal/store"
	"github.com/scarson/registry-jobs/internal/worker"
	"github.com/scarson/registry-jobs/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "registry-jobs",
		Short: "Background job worker for the package registry",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
		jobsCmd(),
		checkCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Poll the job queue and run jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false,
		"run every pending job once, wait for them, and exit non-zero if any are dead-lettered")
	return cmd
}

func runWorker(cmd *cobra.Command, once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	st := store.New(db)
	jobs := newJobStore(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	httpClient, err := index.BuildClient(cfg.IndexURL, cfg.IndexTimeout, cfg.IndexAllowPrivate)
	if err != nil {
		return fmt.Errorf("index client: %w", err)
	}
	env, err := job.NewEnvironment(job.EnvironmentConfig{
		IndexURL:          cfg.IndexURL,
		HTTPClient:        httpClient,
		RequestsPerSecond: cfg.IndexRequestsPerSecond,
		Burst:             cfg.IndexBurst,
		UserAgent:         cfg.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("job environment: %w", err)
	}

	runner := worker.New(st, jobs, newRegistry(), env,
		worker.WithThreads(cfg.WorkerThreads),
		worker.WithJobStartTimeout(cfg.JobStartTimeout),
		worker.WithLogger(logger),
		worker.WithMetrics(m),
	)

	if once {
		defer runner.Close()
		if err := runner.RunAllPendingJobs(ctx); err != nil {
			return fmt.Errorf("run pending jobs: %w", err)
		}
		return runner.CheckForFailedJobs(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           api.NewServer(st, jobs, reg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("ops server started", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("worker started",
		"threads", cfg.WorkerThreads,
		"poll_interval", cfg.PollInterval,
		"job_types", newRegistry().Names(),
	)
	pollErr := poll(ctx, runner, st, jobs, m, cfg.PollInterval, serverErr)

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := drain(shutdownCtx, runner); err != nil {
		slog.Error("worker drain", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("worker stopped")
	return pollErr
}

// poll runs one polling pass immediately and then one per interval until ctx
// is cancelled. A failed pass is logged and retried on the next tick.
func poll(
	ctx context.Context,
	runner *worker.Runner,
	st *store.Store,
	jobs *store.JobStore,
	m *metrics.Jobs,
	interval time.Duration,
	serverErr <-chan error,
) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := runner.RunAllPendingJobs(ctx); err != nil && ctx.Err() == nil {
			slog.Error("polling run failed", "error", err)
		}
		// CheckForFailedJobs would wait for running jobs; the gauge only
		// needs the current count.
		if n, err := jobs.CountFailed(ctx, st.Pool()); err == nil {
			m.DeadLetters.Set(float64(n))
		} else if ctx.Err() == nil {
			slog.Warn("count dead-lettered jobs", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-serverErr:
			if ok {
				return fmt.Errorf("ops server: %w", err)
			}
			serverErr = nil
		case <-ticker.C:
		}
	}
}

// drain waits for running jobs to finish, giving up when ctx expires. Jobs
// still running at that point are abandoned; their rows unlock when the
// process exits and become claimable again.
func drain(ctx context.Context, runner *worker.Runner) error {
	done := make(chan error, 1)
	go func() {
		err := runner.WaitForJobs()
		runner.Close()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("jobs still running after shutdown timeout: %w", ctx.Err())
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newRegistry returns the registry with every job type this binary runs.
func newRegistry() *job.Registry {
	r := job.NewRegistry()
	index.Register(r)
	return r
}

func newJobStore(cfg *config.Config) *store.JobStore {
	return store.NewJobStore(
		backoff.NewExponential(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		cfg.DeadLetterThreshold,
	)
}

// newPool creates and validates a pgxpool with PgBouncer compatibility,
// statement timeout and pool sizing from cfg.
//
// Retries up to 10 times with linear backoff to handle the startup race
// where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "registry-jobs"

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) so the timer is released if ctx is
		// cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Warn if the applied schema version does not match the version the
	// binary was built for; catches deployments that skipped `migrate`.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `registry-jobs migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
