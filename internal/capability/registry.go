package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Capability is one invokable consultation operation.
type Capability interface {
	Declaration() Declaration
	Invoke(ctx context.Context, args Args) Result
}

// Registry holds the registered capabilities. Registration happens at
// startup; lookup and invocation are safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability under its declared name.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return fmt.Errorf("capability is nil")
	}
	name := c.Declaration().Name
	if name == "" {
		return fmt.Errorf("capability has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("capability %q already registered", name)
	}
	r.caps[name] = c
	return nil
}

// Get returns the capability registered under name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns the declarations of all registered capabilities,
// sorted by name for a stable engine-facing order.
func (r *Registry) Declarations() []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make([]Declaration, 0, len(r.caps))
	for _, c := range r.caps {
		decls = append(decls, c.Declaration())
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

// Invoke runs the named capability. An unknown name yields a failure
// envelope rather than an error so the caller can report it back to the
// reasoning engine uniformly.
func (r *Registry) Invoke(ctx context.Context, name string, args Args) Result {
	c, ok := r.Get(name)
	if !ok {
		return Failure(name, fmt.Errorf("unknown operation %q", name))
	}
	return c.Invoke(ctx, args)
}
