package payments

import (
	"fmt"

	"github.com/mindloop/mindloop/internal/pkg/env"
)

// Registry resolves provider names to Provider instances. The active
// provider comes from the PAYMENTS_PROVIDER env var.
type Registry struct {
	providers map[string]Provider
	active    string
}

// NewRegistryFromEnv wires the known providers and selects the active one.
func NewRegistryFromEnv() *Registry {
	return &Registry{
		providers: map[string]Provider{
			ProviderStub:    NewStubProvider(),
			ProviderPayPlus: NewPayPlusProviderFromEnv(),
		},
		active: env.GetEnv("PAYMENTS_PROVIDER", ProviderStub),
	}
}

// NewRegistry builds a registry from explicit providers; the first one is
// active. Used by tests to inject deterministic providers.
func NewRegistry(active Provider, others ...Provider) *Registry {
	r := &Registry{
		providers: map[string]Provider{active.Name(): active},
		active:    active.Name(),
	}
	for _, p := range others {
		r.providers[p.Name()] = p
	}
	return r
}

// Active returns the configured provider.
func (r *Registry) Active() (Provider, error) {
	return r.Get(r.active)
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider: %q", name)
	}
	return p, nil
}
