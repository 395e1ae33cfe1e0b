package access

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// Manager runs the configured inbound credential providers against each
// request. Providers are ordered; the first success wins.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewManager constructs a manager with no providers. Requests are let
// through untouched until SetProviders installs a chain.
func NewManager() *Manager {
	return &Manager{}
}

// SetProviders swaps in a new provider chain, used on config reload.
func (m *Manager) SetProviders(providers []Provider) {
	if m == nil {
		return
	}
	chain := append([]Provider(nil), providers...)
	m.mu.Lock()
	m.providers = chain
	m.mu.Unlock()
}

// Providers returns a copy of the current chain.
func (m *Manager) Providers() []Provider {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Provider(nil), m.providers...)
}

// Authenticate walks the chain until a provider accepts the request.
// A rejected credential outranks a missing one in the final error, so a
// caller presenting a bad key sees 403 rather than 401. With no
// providers installed the request is allowed anonymously (nil, nil).
func (m *Manager) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	if m == nil {
		return nil, nil
	}
	providers := m.Providers()
	if len(providers) == 0 {
		return nil, nil
	}

	sawInvalid := false
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		result, err := provider.Authenticate(ctx, r)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, ErrNotHandled), errors.Is(err, ErrNoCredentials):
			continue
		case errors.Is(err, ErrInvalidCredential):
			sawInvalid = true
		default:
			return nil, err
		}
	}

	if sawInvalid {
		return nil, ErrInvalidCredential
	}
	return nil, ErrNoCredentials
}
