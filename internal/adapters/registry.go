package adapters

import (
	"sort"
	"sync"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// Registry maps capability names to adapters. It performs no business
// logic. Thread-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register binds an adapter to a capability name. An empty name uses the
// adapter's own name. Returns a CONFLICT error on duplicates.
func (r *Registry) Register(name string, adapter Adapter) error {
	if adapter == nil {
		return schema.NewError(schema.ErrCodeValidation, "adapter is nil")
	}
	if name == "" {
		name = adapter.Name()
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "adapter name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "adapter %q already registered", name)
	}
	r.adapters[name] = adapter
	return nil
}

// Resolve returns the adapter bound to name, or a NOT_FOUND error.
func (r *Registry) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "adapter %q not registered", name).
			WithDetails(map[string]any{"adapter": name})
	}
	return adapter, nil
}

// Has checks if a capability is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// List returns the registered capability names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
