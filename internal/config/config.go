// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// A .env file in the working directory, if present, is read first and never
// overrides variables already set in the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Process ──────────────────────────────────────────────────────────────────
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	MetricsAddr            string `env:"METRICS_ADDR"             envDefault:":9090"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Runner ───────────────────────────────────────────────────────────────────
	WorkerThreads   int           `env:"WORKER_THREADS"    envDefault:"5"`
	JobStartTimeout time.Duration `env:"JOB_START_TIMEOUT" envDefault:"30s"`
	PollInterval    time.Duration `env:"POLL_INTERVAL"     envDefault:"5s"`

	// ── Retry policy ─────────────────────────────────────────────────────────────
	// RetryMaxDelay of zero disables the cap. A job with at least
	// DeadLetterThreshold failed attempts counts as dead-lettered.
	RetryBaseDelay      time.Duration `env:"RETRY_BASE_DELAY"      envDefault:"1m"`
	RetryMaxDelay       time.Duration `env:"RETRY_MAX_DELAY"       envDefault:"24h"`
	DeadLetterThreshold int           `env:"DEAD_LETTER_THRESHOLD" envDefault:"1"`

	// ── Index service ────────────────────────────────────────────────────────────
	IndexURL               string        `env:"INDEX_URL"`
	// IndexAllowPrivate lets the index client reach private and loopback
	// addresses, for an index deployed on an internal network.
	IndexAllowPrivate      bool          `env:"INDEX_ALLOW_PRIVATE"       envDefault:"false"`
	IndexRequestsPerSecond float64       `env:"INDEX_REQUESTS_PER_SECOND" envDefault:"5"`
	IndexBurst             int           `env:"INDEX_BURST"               envDefault:"10"`
	IndexTimeout           time.Duration `env:"INDEX_TIMEOUT"             envDefault:"30s"`
	UserAgent              string        `env:"USER_AGENT"                envDefault:"registry-jobs"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file, then parses and validates Config from
// environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse builds Config from the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkerThreads <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_THREADS must be positive, got %d", c.WorkerThreads))
	}
	if c.JobStartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("JOB_START_TIMEOUT must be positive, got %s", c.JobStartTimeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		errs = append(errs, errors.New("RETRY_BASE_DELAY and RETRY_MAX_DELAY must not be negative"))
	}
	if c.DeadLetterThreshold < 1 || c.DeadLetterThreshold > math.MaxInt32 {
		errs = append(errs, fmt.Errorf("DEAD_LETTER_THRESHOLD must be between 1 and %d, got %d",
			math.MaxInt32, c.DeadLetterThreshold))
	}
	// Every running job holds one connection for its transaction; handlers
	// may need another.
	if int(c.DBMaxConns) <= c.WorkerThreads {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS (%d) must exceed WORKER_THREADS (%d)",
			c.DBMaxConns, c.WorkerThreads))
	}
	switch c.DBQueryExecMode {
	case "simple_protocol", "extended_protocol":
	default:
		errs = append(errs, fmt.Errorf("DB_QUERY_EXEC_MODE %q: want simple_protocol or extended_protocol", c.DBQueryExecMode))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
