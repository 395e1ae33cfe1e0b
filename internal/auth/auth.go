// Package auth carries the pieces shared by the per-provider OAuth flows:
// the localhost callback server used by authorization-code logins and the
// common device-flow poll states. Provider specifics (endpoints, client ids,
// token shapes) live in the subpackages.
package auth

// DevicePollStatus classifies one poll attempt against a device-code token
// endpoint.
type DevicePollStatus int

const (
	// PollPending means the user has not finished authorizing yet.
	PollPending DevicePollStatus = iota
	// PollAuthorized means tokens were issued.
	PollAuthorized
	// PollDenied means the user rejected the authorization request.
	PollDenied
	// PollExpired means the device code lapsed before authorization.
	PollExpired
	// PollTransportError means the attempt failed before an upstream verdict.
	PollTransportError
)

// String names the poll status for logs.
func (s DevicePollStatus) String() string {
	switch s {
	case PollPending:
		return "pending"
	case PollAuthorized:
		return "authorized"
	case PollDenied:
		return "denied"
	case PollExpired:
		return "expired"
	default:
		return "transport_error"
	}
}

// DeviceAuthorization is the device-code grant issued by a provider's device
// endpoint, RFC 8628 shape.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}
