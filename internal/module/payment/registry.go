package payment

import (
	"fmt"
	"sync"

	"github.com/blockcart/server/internal/module/payment/provider"
)

// ProviderRegistry manages the registered payment gateways.
type ProviderRegistry struct {
	mu          sync.RWMutex
	gateways    map[string]provider.Gateway
	defaultName string
}

// NewProviderRegistry creates a new provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		gateways: make(map[string]provider.Gateway),
	}
}

// Register registers a gateway. The first registered gateway becomes the default.
func (r *ProviderRegistry) Register(g provider.Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Name()] = g
	if r.defaultName == "" {
		r.defaultName = g.Name()
	}
}

// Get returns a gateway by name.
func (r *ProviderRegistry) Get(name string) (provider.Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return g, nil
}

// Default returns the default gateway.
func (r *ProviderRegistry) Default() (provider.Gateway, error) {
	r.mu.RLock()
	name := r.defaultName
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("%w: no gateways registered", ErrProviderNotFound)
	}
	return r.Get(name)
}

// List returns all registered gateway names.
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
