package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/solenlabs/toolrelay/pkg/provider/llm"
)

// ErrBackendNotRegistered is returned by CreateBackend when no factory has
// been registered under the requested provider name.
var ErrBackendNotRegistered = errors.New("config: backend provider not registered")

// BackendFactory constructs a backend provider from its configuration block.
type BackendFactory func(BackendConfig) (llm.Provider, error)

// Registry maps backend provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]BackendFactory),
	}
}

// RegisterBackend registers a backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// CreateBackend instantiates a backend provider using the factory registered
// under cfg.Provider. Returns [ErrBackendNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateBackend(cfg BackendConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// Names returns the registered provider names. Order is unspecified.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
