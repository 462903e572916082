// Package index holds the registry's index synchronization jobs.
//
// Publishing or yanking a version only touches the registry database; the
// index service is brought up to date afterwards by a background job that
// the publish transaction enqueues. A failed sync leaves the row in place
// and is retried with backoff.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/scarson/registry-jobs/internal/job"
	"github.com/scarson/registry-jobs/internal/store"
)

// Job type tags as stored in background_jobs.job_type.
const (
	TypeSyncToIndex = "sync_to_index"
	TypeSyncYanked  = "sync_yanked"
)

// ErrInvalidArgs is returned for payloads missing a crate or version.
var ErrInvalidArgs = errors.New("invalid index job arguments")

// SyncToIndex publishes one crate version to the index.
type SyncToIndex struct {
	Crate    string `json:"crate"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
}

// SyncYanked sets or clears the yanked flag of a crate version.
type SyncYanked struct {
	Crate   string `json:"crate"`
	Version string `json:"version"`
	Yanked  bool   `json:"yanked"`
}

// Register adds both index jobs to r.
func Register(r *job.Registry) {
	job.Register(r, TypeSyncToIndex, syncToIndex)
	job.Register(r, TypeSyncYanked, syncYanked)
}

// EnqueueSyncToIndex queues a SyncToIndex job on q, normally the publish
// transaction.
func EnqueueSyncToIndex(ctx context.Context, q store.Querier, args SyncToIndex) (int64, error) {
	if err := validate(args.Crate, args.Version); err != nil {
		return 0, err
	}
	return job.Enqueue(ctx, q, TypeSyncToIndex, args)
}

// EnqueueSyncYanked queues a SyncYanked job on q.
func EnqueueSyncYanked(ctx context.Context, q store.Querier, args SyncYanked) (int64, error) {
	if err := validate(args.Crate, args.Version); err != nil {
		return 0, err
	}
	return job.Enqueue(ctx, q, TypeSyncYanked, args)
}

func validate(crate, version string) error {
	if crate == "" || version == "" {
		return fmt.Errorf("%w: crate and version are required", ErrInvalidArgs)
	}
	return nil
}

func syncToIndex(ctx context.Context, env *job.Environment, _ store.Pool, args SyncToIndex) error {
	if err := validate(args.Crate, args.Version); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"checksum": args.Checksum})
	if err != nil {
		return fmt.Errorf("encode index entry: %w", err)
	}
	return send(ctx, env, http.MethodPut, body, "crates", args.Crate, args.Version)
}

func syncYanked(ctx context.Context, env *job.Environment, _ store.Pool, args SyncYanked) error {
	if err := validate(args.Crate, args.Version); err != nil {
		return err
	}
	method := http.MethodDelete
	if args.Yanked {
		method = http.MethodPut
	}
	return send(ctx, env, method, nil, "crates", args.Crate, args.Version, "yank")
}

// send issues one request to the index service. Any non-2xx status is an
// error so the job is retried.
func send(ctx context.Context, env *job.Environment, method string, body []byte, segments ...string) error {
	target, err := env.IndexURL(segments...)
	if err != nil {
		return err
	}
	if err := env.Wait(ctx); err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("build index request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", env.UserAgent())

	resp, err := env.HTTPClient().Do(req) //nolint:gosec // G107: target is built from the configured index base URL
	if err != nil {
		return fmt.Errorf("index %s: %w", method, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Keep up to 4 KiB for the error message; discard the rest for connection reuse.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	io.Copy(io.Discard, resp.Body)                            //nolint:errcheck,gosec

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("index %s %s: unexpected status %d: %s",
			method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
