package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps transport names to dialers. Transport packages register
// themselves on import.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]Dialer)}
}

// Register adds or replaces the dialer for name.
func (r *Registry) Register(name string, dialer Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = dialer
}

// Lookup returns the dialer registered for name.
func (r *Registry) Lookup(name string) (Dialer, error) {
	r.mu.RLock()
	dialer, ok := r.dialers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	return dialer, nil
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.dialers))
	for name := range r.dialers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a transport is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dialers[name]
	return ok
}

// Register adds a dialer to the default registry.
func Register(name string, dialer Dialer) {
	DefaultRegistry.Register(name, dialer)
}

// Lookup finds a dialer in the default registry.
func Lookup(name string) (Dialer, error) {
	return DefaultRegistry.Lookup(name)
}
