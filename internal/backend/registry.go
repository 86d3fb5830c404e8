package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the adapter for each backend kind.
type Registry struct {
	adapters map[Kind]Adapter
	mu       sync.RWMutex
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[Kind]Adapter),
	}
}

// Register adds an adapter. Registering the same kind twice is an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := a.Kind()
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	if _, exists := r.adapters[kind]; exists {
		return fmt.Errorf("%w: adapter for %s already registered", ErrBackendInvalid, kind)
	}

	r.adapters[kind] = a
	return nil
}

// Get retrieves the adapter for a kind.
func (r *Registry) Get(kind Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for backend %s", ErrUnavailable, kind)
	}
	return a, nil
}

// Kinds returns the registered backend kinds in stable order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
