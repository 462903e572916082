package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/scarson/registry-jobs/internal/store"
)

// Registry maps job type tags to handlers. It is populated once at startup
// and read concurrently by every worker afterwards.
type Registry struct {
	handlers map[string]performFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]performFunc)}
}

// Has reports whether a handler is registered for name.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered type tags in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Perform decodes data and runs the handler registered for jobType.
func (r *Registry) Perform(ctx context.Context, env *Environment, db store.Pool, jobType string, data json.RawMessage) error {
	h, ok := r.handlers[jobType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	return h(ctx, env, db, data)
}
