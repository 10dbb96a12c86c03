package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps platform names to adapter factories. The bot registry never
// branches on platform names beyond this lookup; new platforms are added by
// registering one more factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a platform name, replacing any previous
// binding for the same name.
func (r *Registry) Register(platform string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[platform] = factory
}

// Supported reports whether a factory is registered for platform.
func (r *Registry) Supported(platform string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[platform]
	return ok
}

// New builds an adapter instance for cfg.Platform.
func (r *Registry) New(cfg Config) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Platform]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, cfg.Platform)
	}

	instance, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", cfg.Platform, err)
	}

	return instance, nil
}

// Platforms returns the registered platform names in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
