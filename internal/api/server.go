// ABOUTME: Operator HTTP surface of the worker process: health, dead-letter health, metrics, job listing.
// ABOUTME: chi router with huma (OpenAPI 3.1) mounted at /api/v1 for the read-only jobs API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scarson/registry-jobs/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store    *store.Store
	jobs     *store.JobStore
	gatherer prometheus.Gatherer
}

// NewServer creates a Server. s may be nil in tests that don't need a DB;
// health endpoints then report degraded. A nil gatherer serves the default
// Prometheus registry.
func NewServer(s *store.Store, jobs *store.JobStore, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{store: s, jobs: jobs, gatherer: gatherer}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", srv.healthzHandler)
	r.Get("/healthz/jobs", srv.jobsHealthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))

	// ── API v1 sub-router with huma ──────────────────────────────────────────
	apiRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("Registry Jobs API", "0.1.0")
	humaConfig.Info.Description = "Read-only view of the background job queue"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv)
	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz and /healthz/jobs.
type healthResponse struct {
	Status      string `json:"status"`
	DB          string `json:"db,omitempty"`
	DeadLetters *int64 `json:"dead_letters,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	statusCode := http.StatusOK

	if srv.store == nil {
		resp.Status = "degraded"
		resp.DB = "unavailable"
		statusCode = http.StatusServiceUnavailable
	} else if err := srv.store.Ping(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
		resp.Status = "degraded"
		resp.DB = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}
	writeHealth(w, r, statusCode, resp)
}

// jobsHealthHandler returns 503 while any job sits at or past the
// dead-letter threshold, so alerting can page on a stuck queue.
func (srv *Server) jobsHealthHandler(w http.ResponseWriter, r *http.Request) {
	if srv.store == nil || srv.jobs == nil {
		writeHealth(w, r, http.StatusServiceUnavailable, healthResponse{Status: "degraded", DB: "unavailable"})
		return
	}
	n, err := srv.jobs.CountFailed(r.Context(), srv.store.Pool())
	if err != nil {
		slog.WarnContext(r.Context(), "healthz/jobs: count failed jobs", "error", err)
		writeHealth(w, r, http.StatusServiceUnavailable, healthResponse{Status: "degraded", DB: "unavailable"})
		return
	}
	resp := healthResponse{Status: "ok", DeadLetters: &n}
	statusCode := http.StatusOK
	if n > 0 {
		resp.Status = "failing"
		statusCode = http.StatusServiceUnavailable
	}
	writeHealth(w, r, statusCode, resp)
}

func writeHealth(w http.ResponseWriter, r *http.Request, statusCode int, resp healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
	}
}
