package provider

import (
	"sort"
	"sync"

	"github.com/example/paygate/internal/apperrors"
)

// Factory builds an adapter from the per-request Base context.
type Factory func(base Base) Adapter

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
)

// Register binds a payment handler name to its adapter constructor.
// Called from adapter init functions.
func Register(handler string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[handler] = factory
}

// New resolves the adapter for a payment's configured handler.
func New(handler string, base Base) (Adapter, error) {
	registryMu.RLock()
	factory, ok := factories[handler]
	registryMu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFound("payment handler " + handler + " is not registered")
	}
	return factory(base), nil
}

// Handlers lists the registered handler names, for diagnostics.
func Handlers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
