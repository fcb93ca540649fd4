package billing

import (
	"strings"

	"github.com/smallbiznis/genstudio/internal/subscription/domain"
)

// Registry holds the billing providers that may post webhooks.
type Registry struct {
	providers map[string]domain.BillingProvider
}

func NewRegistry(providers ...domain.BillingProvider) *Registry {
	registry := &Registry{providers: map[string]domain.BillingProvider{}}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(provider.Provider()))
		if name == "" {
			continue
		}
		registry.providers[name] = provider
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	_, err := r.Get(provider)
	return err == nil
}

func (r *Registry) Get(provider string) (domain.BillingProvider, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	found, ok := r.providers[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return found, nil
}
