package access

import "errors"

// Sentinel errors a Provider returns to steer the manager's chain walk.
var (
	// ErrNoCredentials means the request carried nothing this provider
	// recognizes as a credential.
	ErrNoCredentials = errors.New("access: no credentials provided")
	// ErrInvalidCredential means a credential was presented and rejected.
	ErrInvalidCredential = errors.New("access: invalid credential")
	// ErrNotHandled means the provider does not apply to this request at
	// all; the manager moves on without recording a failure.
	ErrNotHandled = errors.New("access: not handled")
)
