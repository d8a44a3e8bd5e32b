package providers

import (
	"strings"

	"github.com/serenitylabs/serenity/internal/providers/domain"
)

// Registry holds one adapter per provider. Unlike multi-tenant gateways
// there is a single configuration, so adapters are constructed once at
// startup rather than per webhook delivery.
type Registry struct {
	adapters map[string]domain.Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]domain.Adapter)}
}

func (r *Registry) Register(provider string, adapter domain.Adapter) {
	r.adapters[strings.ToLower(strings.TrimSpace(provider))] = adapter
}

func (r *Registry) Get(provider string) (domain.Adapter, bool) {
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	return adapter, ok
}
