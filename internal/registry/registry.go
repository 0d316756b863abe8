// Package registry implements the Service Registry: a process-wide
// name-to-service map with just-in-time lookup. Consumers resolve peer
// services at the point of use rather than at their own construction time,
// so the service graph tolerates any plugin load order (spec.md §4.1, P4).
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"wooster/internal/wlog"
)

// Registry is a process-wide, read-mostly name->service map. Lookups never
// fail hard: a missing name simply reports ok=false, matching spec.md §4.1
// ("a lookup that fails returns an absent result; it never throws").
//
// Writes (Register/Unregister) occur only during plugin init/shutdown and
// are serialized by mu; reads take the fast path under RLock.
type Registry struct {
	mu       sync.RWMutex
	services map[string]any
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		services: make(map[string]any),
		logger:   wlog.Default(logger).With("component", "registry"),
	}
}

// Register binds name to service, overwriting any prior binding. Returns
// the previous service (nil if none) so callers can detect shadowing.
func (r *Registry) Register(name string, service any) (previous any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.services[name]
	r.services[name] = service
	r.logger.Debug("service registered", "name", name, "replaced", previous != nil)
	return previous
}

// Lookup returns the service bound to name, or ok=false if absent.
// Consumers must call this at the point of use (just-in-time), not during
// their own initialization, to preserve load-order independence.
func (r *Registry) Lookup(name string) (service any, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	service, ok = r.services[name]
	return service, ok
}

// Unregister removes the binding for name, if any.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; ok {
		delete(r.services, name)
		r.logger.Debug("service unregistered", "name", name)
	}
}

// Names returns a sorted snapshot of currently registered service names,
// useful for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup is a type-safe helper for callers that know the expected type.
// It returns ok=false both when the name is absent and when the bound
// value does not assert to T, so a type mismatch degrades the same way
// an absent service does (spec.md §7 ServiceUnavailable: the consumer
// decides whether to degrade or surface a ToolUnavailable).
func Lookup[T any](r *Registry, name string) (T, bool) {
	var zero T
	raw, ok := r.Lookup(name)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
