// Package job maps stored job type tags to executable handlers and carries
// the immutable Environment every handler runs with.
//
// Handlers are registered per type tag with Register before the runner
// starts. The stored payload is JSON; Register closes over the decode step so
// the runner only ever deals with a tag and raw bytes.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scarson/registry-jobs/internal/store"
)

// ErrUnknownJobType is returned by Perform for a tag with no registered
// handler. It is a job-local failure: the row is marked failed and retried.
var ErrUnknownJobType = errors.New("unknown job type")

// Handler executes one job. env may be nil for runners built without an
// environment. db is the shared connection pool; handlers acquire from it
// and must release what they acquire.
type Handler[T any] func(ctx context.Context, env *Environment, db store.Pool, args T) error

// performFunc is a type-erased Handler that accepts the raw stored payload.
type performFunc func(ctx context.Context, env *Environment, db store.Pool, data json.RawMessage) error

// Register associates h with the type tag name, decoding the stored payload
// into T before each call. Registering the same name twice replaces the
// earlier handler. Must be called before the registry is shared.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[T any](r *Registry, name string, h Handler[T]) {
	r.handlers[name] = func(ctx context.Context, env *Environment, db store.Pool, data json.RawMessage) error {
		var args T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &args); err != nil {
				return fmt.Errorf("decode %s payload: %w", name, err)
			}
		}
		return h(ctx, env, db, args)
	}
}

// Enqueue serializes args and inserts a job row with type tag name. Pass the
// caller's transaction as q so the job commits with the change it belongs
// to.
func Enqueue[T any](ctx context.Context, q store.Querier, name string, args T) (int64, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return store.EnqueueJob(ctx, q, name, data)
}
