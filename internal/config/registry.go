package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/realtime"
)

// ErrProviderNotRegistered is returned by [Registry.CreateRealtime] when no
// factory is registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RealtimeFactory builds a realtime provider from its config entry.
type RealtimeFactory func(ProviderEntry) (realtime.Provider, error)

// Registry maps realtime provider names to factories. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime map[string]RealtimeFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{realtime: make(map[string]RealtimeFactory)}
}

// RegisterRealtime registers factory under name, replacing any previous
// registration.
func (r *Registry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// CreateRealtime builds the provider registered under entry.Name.
func (r *Registry) CreateRealtime(entry ProviderEntry) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.realtime[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create realtime/%q: %w", entry.Name, err)
	}
	return p, nil
}

// RealtimeNames returns the registered names, sorted.
func (r *Registry) RealtimeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.realtime))
	for n := range r.realtime {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
