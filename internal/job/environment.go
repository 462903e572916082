package job

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrNoEnvironment is returned by handlers that need an Environment when the
// runner was built without one.
var ErrNoEnvironment = errors.New("job environment not configured")

// EnvironmentConfig is the input to NewEnvironment.
type EnvironmentConfig struct {
	// IndexURL is the base URL of the registry index service.
	IndexURL string
	// HTTPClient is used for all outbound calls. Defaults to a client with a
	// 30 second timeout; production passes the SSRF-safe client.
	HTTPClient *http.Client
	// RequestsPerSecond limits outbound index calls across all workers.
	// Zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

// Environment is the context shared by every job execution. It is built once
// and never mutated afterwards; all fields are unexported and read through
// methods, so concurrent use by many workers is safe.
type Environment struct {
	indexURL  *url.URL
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// NewEnvironment validates cfg and builds an Environment.
func NewEnvironment(cfg EnvironmentConfig) (*Environment, error) {
	env := &Environment{
		client:    cfg.HTTPClient,
		userAgent: cfg.UserAgent,
		limiter:   rate.NewLimiter(rate.Inf, 0),
	}
	if env.client == nil {
		env.client = &http.Client{Timeout: 30 * time.Second}
	}
	if env.userAgent == "" {
		env.userAgent = "registry-jobs"
	}
	if cfg.RequestsPerSecond > 0 {
		env.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	if cfg.IndexURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.IndexURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("parse index url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("index url %q: scheme must be http or https", cfg.IndexURL)
		}
		env.indexURL = u
	}
	return env, nil
}

// IndexURL joins segments onto the index service base URL. It returns
// ErrNoEnvironment when no index URL was configured.
func (e *Environment) IndexURL(segments ...string) (string, error) {
	if e == nil || e.indexURL == nil {
		return "", fmt.Errorf("%w: index url", ErrNoEnvironment)
	}
	return e.indexURL.JoinPath(segments...).String(), nil
}

// HTTPClient returns the shared outbound client.
func (e *Environment) HTTPClient() *http.Client { return e.client }

// UserAgent returns the User-Agent sent on outbound calls.
func (e *Environment) UserAgent() string { return e.userAgent }

// Wait blocks until the outbound rate limiter admits one request or ctx is
// done.
func (e *Environment) Wait(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("index rate limit: %w", err)
	}
	return nil
}
