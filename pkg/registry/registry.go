// Package registry holds the capabilities a coordinator can dispatch to.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
)

// Factory builds the execution context for a capability on first use.
type Factory func(ctx context.Context) (ports.Capability, error)

// Registry manages the available capabilities and caches their instances.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]ports.Capability
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]ports.Capability),
	}
}

// Register adds a lazily built capability.
// If a capability with the same name exists, it is overwritten.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	delete(r.instances, name)
}

// Add registers an already built capability under its own name.
func (r *Registry) Add(c ports.Capability) {
	r.Register(c.Name(), func(context.Context) (ports.Capability, error) { return c, nil })
}

// Resolve returns the cached capability, building it on first use.
// Unknown names and failing factories are delegation faults.
func (r *Registry) Resolve(ctx context.Context, name string) (ports.Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.instances[name]; ok {
		return c, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: capability not found: %s", domain.ErrDelegation, name)
	}
	c, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize capability %s: %w", domain.ErrDelegation, name, err)
	}
	r.instances[name] = c
	return c, nil
}

// Names lists registered capabilities in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reset drops cached instances so the next Resolve rebuilds them.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[string]ports.Capability)
}
