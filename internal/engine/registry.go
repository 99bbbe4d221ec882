package engine

import (
	"fmt"
	"sort"
	"sync"
)

// AdapterHandle is the registry's view of one adapter: identity, declared
// capabilities, and lifecycle status. Handles are created at startup and
// never destroyed while the process runs.
type AdapterHandle struct {
	Name         string        `json:"name"`
	Tier         Tier          `json:"tier"`
	Capabilities []Capability  `json:"capabilities"`
	Status       AdapterStatus `json:"status"`
}

// HasCapability reports whether the handle declares the capability.
func (h AdapterHandle) HasCapability(c Capability) bool {
	for _, cap := range h.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// Registry owns the process-wide set of adapters and their handles.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	handles  map[string]*AdapterHandle
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		handles:  make(map[string]*AdapterHandle),
	}
}

// Register adds an adapter in active status. Duplicate names are rejected.
func (r *Registry) Register(a Adapter) error {
	if a == nil || a.Name() == "" {
		return fmt.Errorf("adapter with a name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	r.handles[name] = &AdapterHandle{
		Name:         name,
		Tier:         a.Tier(),
		Capabilities: append([]Capability(nil), a.Capabilities()...),
		Status:       StatusActive,
	}
	return nil
}

// Get returns the adapter if it is registered and serving traffic
// (active or degraded). Inactive and quarantined adapters fail fast.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("adapter %q: %w", name, ErrAdapterUnavailable)
	}
	switch r.handles[name].Status {
	case StatusActive, StatusDegraded:
		return a, nil
	default:
		return nil, fmt.Errorf("adapter %q is %s: %w", name, r.handles[name].Status, ErrAdapterUnavailable)
	}
}

// Lookup returns the adapter regardless of status. Health probes use this so
// a disabled adapter can still be re-verified.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Handle returns a copy of the adapter's handle.
func (r *Registry) Handle(name string) (AdapterHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	if !ok {
		return AdapterHandle{}, fmt.Errorf("adapter %q: %w", name, ErrAdapterUnavailable)
	}
	return *h, nil
}

// SetStatus mutates the lifecycle status of an adapter.
func (r *Registry) SetStatus(name string, status AdapterStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	if !ok {
		return fmt.Errorf("adapter %q: %w", name, ErrAdapterUnavailable)
	}
	h.Status = status
	return nil
}

// Status returns the current lifecycle status of an adapter.
func (r *Registry) Status(name string) (AdapterStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	if !ok {
		return "", fmt.Errorf("adapter %q: %w", name, ErrAdapterUnavailable)
	}
	return h.Status, nil
}

// ByTier returns adapters serving traffic in the given tier, ordered by name.
func (r *Registry) ByTier(tier Tier) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Adapter
	for name, a := range r.adapters {
		h := r.handles[name]
		if h.Tier != tier {
			continue
		}
		if h.Status != StatusActive && h.Status != StatusDegraded {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns all registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handles returns copies of all handles, sorted by name.
func (r *Registry) Handles() []AdapterHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AdapterHandle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
