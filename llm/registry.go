package llm

import (
	"sort"
	"sync"
)

// Constructor builds a fresh adapter instance for one call.
type Constructor func(desc BackendDescriptor) (Adapter, error)

// Registry maps a declared backend-type tag to an adapter constructor.
// Adding a backend means registering a new implementation; the dispatch
// logic never changes.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

func (r *Registry) Register(tag string, ctor Constructor) error {
	if tag == "" {
		return NewConfigError("empty backend type tag")
	}
	if ctor == nil {
		return NewConfigError("nil constructor for backend type %q", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[tag]; ok {
		return NewConfigError("backend type %q already registered", tag)
	}
	r.ctors[tag] = ctor
	return nil
}

// New constructs an adapter for the descriptor's declared type. An unknown
// tag is an immediate ConfigError, before any network access.
func (r *Registry) New(desc BackendDescriptor) (Adapter, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[desc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, NewConfigError("unknown backend type %q", desc.Type)
	}
	return ctor(desc)
}

// Types lists the registered backend-type tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for tag := range r.ctors {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
