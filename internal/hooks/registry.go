package hooks

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrDuplicateHook indicates a strategy name already has hooks registered.
var ErrDuplicateHook = errors.New("hook already registered")

// Registry keeps named strategies in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	hooks map[string]Hooks
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]Hooks)}
}

// Register stores hooks under the given name.
func (r *Registry) Register(name string, hooks Hooks) error {
	key := normalizeKey(name)
	if key == "" {
		return errors.New("hook name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[key]; exists {
		return ErrDuplicateHook
	}
	r.hooks[key] = hooks
	r.order = append(r.order, key)
	return nil
}

// MustRegister panics on registration failure.
func (r *Registry) MustRegister(name string, hooks Hooks) {
	if err := r.Register(name, hooks); err != nil {
		panic(err)
	}
}

// Unregister removes a strategy and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	key := normalizeKey(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[key]; !exists {
		return false
	}
	delete(r.hooks, key)
	for i, existing := range r.order {
		if existing == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Fetch retrieves hooks registered under a name.
func (r *Registry) Fetch(name string) (Hooks, bool) {
	key := normalizeKey(name)
	if key == "" {
		return Hooks{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	hooks, ok := r.hooks[key]
	return hooks, ok
}

// Status returns registration status for a name.
func (r *Registry) Status(name string) string {
	if _, ok := r.Fetch(name); ok {
		return "registered"
	}
	return "missing"
}

// Snapshot returns status for a list of names.
func (r *Registry) Snapshot(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if normalized := normalizeKey(name); normalized != "" {
			out[normalized] = r.Status(normalized)
		}
	}
	return out
}

// Names returns registered names in execution order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) ordered() []Hooks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Hooks, 0, len(r.order))
	for _, key := range r.order {
		list = append(list, r.hooks[key])
	}
	return list
}

// PreResolve runs pre-resolve strategies until one short-circuits.
func (r *Registry) PreResolve(ctx context.Context, rc *ResolveContext) (string, bool) {
	for _, h := range r.ordered() {
		if h.PreResolve == nil {
			continue
		}
		if result, ok := h.PreResolve(ctx, rc); ok {
			return result, true
		}
	}
	return "", false
}

// PostResolve threads the result through every post-resolve strategy.
func (r *Registry) PostResolve(ctx context.Context, rc *ResolveContext, result string) string {
	for _, h := range r.ordered() {
		if h.PostResolve != nil {
			result = h.PostResolve(ctx, rc, result)
		}
	}
	return result
}

// IsStale asks strategies first and falls back to hours > threshold.
func (r *Registry) IsStale(url string, hours, threshold float64) bool {
	for _, h := range r.ordered() {
		if h.IsStale == nil {
			continue
		}
		if stale, decided := h.IsStale(url, hours, threshold); decided {
			return stale
		}
	}
	return hours > threshold
}

// BeforeDrain notifies strategies that a drain is starting.
func (r *Registry) BeforeDrain(ctx context.Context, queued int) {
	for _, h := range r.ordered() {
		if h.BeforeDrain != nil {
			h.BeforeDrain(ctx, queued)
		}
	}
}

// AfterDrain notifies strategies that a drain finished.
func (r *Registry) AfterDrain(ctx context.Context, processed, failed int) {
	for _, h := range r.ordered() {
		if h.AfterDrain != nil {
			h.AfterDrain(ctx, processed, failed)
		}
	}
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
