// Package storekey validates inbound requests against the proxy API keys
// issued through the management API and persisted in the credential store.
// A match carries the owning tenant into the request metadata.
package storekey

import (
	"context"
	"net/http"

	sdkaccess "github.com/agentgate-dev/agentgate/sdk/access"
)

// ProviderType identifies this provider in authentication results.
const ProviderType = "store-api-key"

// LookupFunc resolves a raw key to its owning tenant. ok reports whether
// the key exists and is currently valid.
type LookupFunc func(ctx context.Context, rawKey string) (userID string, ok bool, err error)

type provider struct {
	lookup LookupFunc
}

// New builds a provider backed by the given lookup. Unlike config-file
// providers this one is constructed directly by the server, because it
// needs a live store handle rather than configuration data.
func New(lookup LookupFunc) sdkaccess.Provider {
	if lookup == nil {
		return nil
	}
	return &provider{lookup: lookup}
}

func (p *provider) Identifier() string { return ProviderType }

func (p *provider) Authenticate(ctx context.Context, r *http.Request) (*sdkaccess.Result, error) {
	if p == nil || p.lookup == nil {
		return nil, sdkaccess.ErrNotHandled
	}
	candidates := sdkaccess.CredentialCandidates(r)
	if len(candidates) == 0 {
		return nil, sdkaccess.ErrNoCredentials
	}
	for _, candidate := range candidates {
		userID, ok, err := p.lookup(ctx, candidate.Value)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return &sdkaccess.Result{
			Provider:  p.Identifier(),
			Principal: candidate.Value,
			Metadata: map[string]string{
				"source":  candidate.Source,
				"user_id": userID,
			},
		}, nil
	}
	return nil, sdkaccess.ErrInvalidCredential
}
