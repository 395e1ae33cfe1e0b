// Package configapikey validates inbound requests against the static API
// keys listed in the configuration file.
package configapikey

import (
	"context"
	"net/http"

	"github.com/agentgate-dev/agentgate/internal/config"
	sdkaccess "github.com/agentgate-dev/agentgate/sdk/access"
)

// ProviderType identifies this provider in the access registry.
const ProviderType = "config-api-key"

type provider struct {
	keys map[string]struct{}
}

func init() {
	sdkaccess.RegisterProvider(ProviderType, newProvider)
}

func newProvider(cfg *config.Config) (sdkaccess.Provider, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, nil
	}
	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		if key == "" {
			continue
		}
		keys[key] = struct{}{}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &provider{keys: keys}, nil
}

func (p *provider) Identifier() string { return ProviderType }

func (p *provider) Authenticate(_ context.Context, r *http.Request) (*sdkaccess.Result, error) {
	if p == nil || len(p.keys) == 0 {
		return nil, sdkaccess.ErrNotHandled
	}
	candidates := sdkaccess.CredentialCandidates(r)
	if len(candidates) == 0 {
		return nil, sdkaccess.ErrNoCredentials
	}
	for _, candidate := range candidates {
		if _, ok := p.keys[candidate.Value]; ok {
			return &sdkaccess.Result{
				Provider:  p.Identifier(),
				Principal: candidate.Value,
				Metadata: map[string]string{
					"source": candidate.Source,
				},
			}, nil
		}
	}
	return nil, sdkaccess.ErrInvalidCredential
}
