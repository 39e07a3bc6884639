package provider

import (
	"fmt"
	"sync"

	"github.com/stackform-io/stackform/pkg/provider"
	"github.com/stackform-io/stackform/providers/null"
)

// Registry manages the lifecycle of providers. Providers are in-process
// collaborators registered by name; the built-in set can be extended with
// Register before LoadProvider is first called for that name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() provider.Interface
	providers map[string]provider.Interface
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func() provider.Interface),
		providers: make(map[string]provider.Interface),
	}
}

// Register installs a provider factory under name, replacing any builtin.
func (r *Registry) Register(name string, factory func() provider.Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// LoadProvider initializes and caches the named provider.
func (r *Registry) LoadProvider(name string) error {
	if name == "" {
		name = "null"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	if factory, ok := r.factories[name]; ok {
		r.providers[name] = factory()
		return nil
	}

	switch name {
	case "null":
		r.providers[name] = null.New()
	default:
		return fmt.Errorf("unknown provider: %s", name)
	}
	return nil
}

// Get returns a loaded provider.
func (r *Registry) Get(name string) (provider.Interface, error) {
	if name == "" {
		name = "null"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}
