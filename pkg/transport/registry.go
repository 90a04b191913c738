package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a fresh, unconnected Transport.
type Constructor func() Transport

// Registry maps backend names to constructors. The zero value is usable.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Constructor)}
}

// Register adds or replaces a backend.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backends == nil {
		r.backends = make(map[string]Constructor)
	}
	r.backends[name] = c
}

// New resolves the backend named by dev.Backend.
func (r *Registry) New(dev Device) (Transport, error) {
	r.mu.RLock()
	c, ok := r.backends[dev.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownBackend, dev.Backend, r.Names())
	}
	return c(), nil
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
