package provider

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Factory builds a backend API from an instance's flat configuration map
// (credentials, zone and backend-specific keys).
type Factory func(name string, config map[string]string) (API, error)

// Registry maps backend type names to factories and holds the live
// provider instances in registration order.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]*Provider
	order     []string
	logger    *slog.Logger
}

// RegistryOption is a functional option for configuring the Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets a custom logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]*Provider),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterFactory registers a backend factory under its type name.
func (r *Registry) RegisterFactory(typeName string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(typeName)] = factory
}

// Types returns the registered backend type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}

// CreateInstance builds and registers one provider instance.
func (r *Registry) CreateInstance(cfg Config, settings map[string]string) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	if _, exists := r.instances[strings.ToLower(cfg.Name)]; exists {
		return nil, fmt.Errorf("duplicate provider name %q", cfg.Name)
	}

	api, err := factory(cfg.Name, settings)
	if err != nil {
		return nil, fmt.Errorf("creating provider %s: %w", cfg.Name, err)
	}

	p := New(cfg, api, WithLogger(r.logger))
	key := strings.ToLower(cfg.Name)
	r.instances[key] = p
	r.order = append(r.order, key)
	return p, nil
}

// Get returns a provider instance by name, case-insensitive.
func (r *Registry) Get(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.instances[strings.ToLower(name)]
	return p, ok
}

// GetByID returns a provider instance by its durable row id.
func (r *Registry) GetByID(id string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.instances {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// All returns every instance in registration order.
func (r *Registry) All() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.instances[name])
	}
	return out
}

// Enabled returns the enabled instances in registration order.
func (r *Registry) Enabled() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Provider
	for _, name := range r.order {
		if p := r.instances[name]; p.Enabled() {
			out = append(out, p)
		}
	}
	return out
}

// Default returns the instance marked default, if any.
func (r *Registry) Default() (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if p := r.instances[name]; p.IsDefault() && p.Enabled() {
			return p, true
		}
	}
	return nil, false
}
