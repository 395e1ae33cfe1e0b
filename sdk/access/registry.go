package access

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/agentgate-dev/agentgate/internal/config"
)

// Provider validates credentials for incoming requests.
type Provider interface {
	Identifier() string
	Authenticate(ctx context.Context, r *http.Request) (*Result, error)
}

// Result conveys authentication outcome.
type Result struct {
	Provider  string
	Principal string
	Metadata  map[string]string
}

// ProviderFactory builds a provider from configuration data. A factory may
// return (nil, nil) when the configuration gives it nothing to guard.
type ProviderFactory func(cfg *config.Config) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]ProviderFactory)
)

// RegisterProvider registers a provider factory for a given type identifier.
func RegisterProvider(typ string, factory ProviderFactory) {
	if typ == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[typ] = factory
	registryMu.Unlock()
}

// BuildProviders constructs every registered provider from the configuration,
// in deterministic type order.
func BuildProviders(cfg *config.Config) ([]Provider, error) {
	if cfg == nil {
		return nil, nil
	}
	registryMu.RLock()
	types := make([]string, 0, len(registry))
	for typ := range registry {
		types = append(types, typ)
	}
	registryMu.RUnlock()
	sort.Strings(types)

	providers := make([]Provider, 0, len(types))
	for _, typ := range types {
		registryMu.RLock()
		factory := registry[typ]
		registryMu.RUnlock()
		provider, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("access: failed to build provider %q: %w", typ, err)
		}
		if provider != nil {
			providers = append(providers, provider)
		}
	}
	return providers, nil
}
