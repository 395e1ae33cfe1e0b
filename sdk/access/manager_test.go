package access

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	result *Result
	err    error
}

func (p *stubProvider) Identifier() string { return "stub" }

func (p *stubProvider) Authenticate(_ context.Context, _ *http.Request) (*Result, error) {
	return p.result, p.err
}

func request(t *testing.T) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, "http://localhost/v1/models", nil)
	require.NoError(t, err)
	return r
}

func TestAuthenticateAnonymousWithoutProviders(t *testing.T) {
	m := NewManager()
	result, err := m.Authenticate(context.Background(), request(t))
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestAuthenticateFirstSuccessWins(t *testing.T) {
	m := NewManager()
	m.SetProviders([]Provider{
		&stubProvider{err: ErrNotHandled},
		&stubProvider{result: &Result{Provider: "keys", Principal: "alice"}},
		&stubProvider{err: errors.New("must not be reached")},
	})

	result, err := m.Authenticate(context.Background(), request(t))
	require.NoError(t, err)
	require.Equal(t, "alice", result.Principal)
}

func TestAuthenticateInvalidOutranksMissing(t *testing.T) {
	m := NewManager()
	m.SetProviders([]Provider{
		&stubProvider{err: ErrNoCredentials},
		&stubProvider{err: ErrInvalidCredential},
		&stubProvider{err: ErrNoCredentials},
	})

	_, err := m.Authenticate(context.Background(), request(t))
	require.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuthenticateMissingWhenNothingPresented(t *testing.T) {
	m := NewManager()
	m.SetProviders([]Provider{
		&stubProvider{err: ErrNotHandled},
		&stubProvider{err: ErrNoCredentials},
	})

	_, err := m.Authenticate(context.Background(), request(t))
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestAuthenticateAbortsOnUnexpectedError(t *testing.T) {
	boom := errors.New("store unavailable")
	m := NewManager()
	m.SetProviders([]Provider{
		&stubProvider{err: boom},
		&stubProvider{result: &Result{Principal: "alice"}},
	})

	_, err := m.Authenticate(context.Background(), request(t))
	require.ErrorIs(t, err, boom)
}
