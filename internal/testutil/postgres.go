// ABOUTME: Test helper that hands each test its own migrated Postgres database.
// ABOUTME: One testcontainer is shared per test binary; databases are dropped in t.Cleanup.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/scarson/registry-jobs/internal/store"
	"github.com/scarson/registry-jobs/migrations"
)

// TestDB wraps a Store bound to a database that belongs to a single test.
// Concurrency tests run outside of a transaction against real sessions, so
// isolation comes from the database itself rather than from a shared lock.
type TestDB struct {
	*store.Store
	Name string
}

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error

	dbSeq atomic.Int64
)

// sharedContainerURL starts the Postgres testcontainer on first use. The
// container outlives individual tests and is reaped by testcontainers when
// the test binary exits.
func sharedContainerURL(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx := context.Background()
		pgCtr, err := tcpostgres.Run(ctx,
			"postgres:18-alpine",
			tcpostgres.WithDatabase("registry_jobs"),
			tcpostgres.WithUsername("registry_jobs_test"),
			tcpostgres.WithPassword("testpassword"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		containerURL, containerErr = pgCtr.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Fatalf("%v", containerErr)
	}
	return containerURL
}

// Option adjusts the pool NewTestDB hands to the test.
type Option func(*pgxpool.Config)

// WithQueryExecMode sets the pool's default query exec mode. Production
// defaults to simple protocol for PgBouncer compatibility; pgx defaults to
// the extended protocol.
func WithQueryExecMode(mode pgx.QueryExecMode) Option {
	return func(c *pgxpool.Config) { c.ConnConfig.DefaultQueryExecMode = mode }
}

// NewTestDB creates a fresh database on the shared container, applies all
// migrations and returns a TestDB backed by it. The pool is closed and the
// database dropped via t.Cleanup. Skipped under -short.
func NewTestDB(t *testing.T, opts ...Option) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test: requires Docker")
	}
	ctx := context.Background()
	baseURL := sharedContainerURL(t)

	name := fmt.Sprintf("jobs_test_%d_%d", time.Now().UnixNano()%1_000_000, dbSeq.Add(1))

	admin, err := pgx.Connect(ctx, baseURL)
	if err != nil {
		t.Fatalf("connect admin: %v", err)
	}
	// Identifiers cannot be parameterized; name is generated above.
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+name); err != nil {
		_ = admin.Close(ctx) //nolint:errcheck
		t.Fatalf("create database %s: %v", name, err)
	}
	_ = admin.Close(ctx) //nolint:errcheck

	t.Cleanup(func() {
		conn, err := pgx.Connect(context.Background(), baseURL)
		if err != nil {
			t.Logf("connect for drop: %v", err)
			return
		}
		defer conn.Close(context.Background()) //nolint:errcheck
		if _, err := conn.Exec(context.Background(),
			"DROP DATABASE IF EXISTS "+name+" WITH (FORCE)"); err != nil {
			t.Logf("drop database %s: %v", name, err)
		}
	})

	connCfg, err := pgx.ParseConfig(baseURL)
	if err != nil {
		t.Fatalf("parse db url: %v", err)
	}
	connCfg.Database = name
	// Simple query protocol lets postgres execute multi-statement migration
	// files natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	migrateTestDB(t, connCfg)

	poolCfg, err := pgxpool.ParseConfig(baseURL)
	if err != nil {
		t.Fatalf("parse pool config: %v", err)
	}
	poolCfg.ConnConfig.Database = name
	poolCfg.MaxConns = 8
	for _, opt := range opts {
		opt(poolCfg)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Store: store.New(pool), Name: name}
}

func migrateTestDB(t *testing.T, connCfg *pgx.ConnConfig) {
	t.Helper()

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		t.Fatalf("migration source: %v", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		t.Fatalf("migration driver: %v", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		t.Fatalf("migrate init: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}
}

// InsertJob enqueues a job row directly and returns its ID.
func (db *TestDB) InsertJob(t *testing.T, jobType string, data string) int64 {
	t.Helper()
	id, err := store.EnqueueJob(context.Background(), db.Pool(), jobType, []byte(data))
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	return id
}

// Retries returns the retry counter of job id, failing the test if the row
// does not exist.
func (db *TestDB) Retries(t *testing.T, id int64) int32 {
	t.Helper()
	var n int32
	if err := db.Pool().QueryRow(context.Background(),
		"SELECT retries FROM background_jobs WHERE id = $1", id).Scan(&n); err != nil {
		t.Fatalf("Retries(%d): %v", id, err)
	}
	return n
}

// JobExists reports whether job id is still in the table.
func (db *TestDB) JobExists(t *testing.T, id int64) bool {
	t.Helper()
	var exists bool
	if err := db.Pool().QueryRow(context.Background(),
		"SELECT EXISTS (SELECT 1 FROM background_jobs WHERE id = $1)", id).Scan(&exists); err != nil {
		t.Fatalf("JobExists(%d): %v", id, err)
	}
	return exists
}

// CountJobs returns the number of rows in background_jobs.
func (db *TestDB) CountJobs(t *testing.T) int {
	t.Helper()
	var n int
	if err := db.Pool().QueryRow(context.Background(),
		"SELECT count(*) FROM background_jobs").Scan(&n); err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	return n
}

// ExpireBackoff moves every failed job's last_retry far enough into the past
// that its retry window has elapsed, without touching the retry counter.
func (db *TestDB) ExpireBackoff(t *testing.T) {
	t.Helper()
	if _, err := db.Pool().Exec(context.Background(),
		"UPDATE background_jobs SET last_retry = 'epoch' WHERE retries > 0"); err != nil {
		t.Fatalf("ExpireBackoff: %v", err)
	}
}
