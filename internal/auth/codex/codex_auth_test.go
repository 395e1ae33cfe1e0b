package codex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	sharedauth "github.com/agentgate-dev/agentgate/internal/auth"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/stretchr/testify/require"
)

// scriptedTransport answers requests from a per-URL script so no network is
// involved.
type scriptedTransport struct {
	responses map[string][]scriptedResponse
}

type scriptedResponse struct {
	status int
	body   string
}

func (t *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	queue := t.responses[url]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected request to %s", url)
	}
	next := queue[0]
	if len(queue) > 1 {
		t.responses[url] = queue[1:]
	}
	return &http.Response{
		StatusCode: next.status,
		Status:     http.StatusText(next.status),
		Body:       io.NopCloser(bytes.NewBufferString(next.body)),
		Header:     make(http.Header),
	}, nil
}

func newTestAuth(responses map[string][]scriptedResponse) *CodexAuth {
	a := NewCodexAuth(&config.Config{})
	a.httpClient = &http.Client{Transport: &scriptedTransport{responses: responses}}
	return a
}

func TestInitiateDeviceFlowAppliesDefaults(t *testing.T) {
	a := newTestAuth(map[string][]scriptedResponse{
		DeviceUserCodeEndpoint: {{status: 200, body: `{"device_auth_id":"dev-123","user_code":"ABCD-EFGH"}`}},
	})

	flow, err := a.InitiateDeviceFlow(context.Background())
	require.NoError(t, err)
	require.Equal(t, "dev-123", flow.DeviceCode)
	require.Equal(t, "ABCD-EFGH", flow.UserCode)
	require.Equal(t, DeviceVerificationURI, flow.VerificationURI)
	require.Equal(t, 5, flow.Interval)
	require.Equal(t, 600, flow.ExpiresIn)
}

func TestInitiateDeviceFlowRejectsIncompleteResponse(t *testing.T) {
	a := newTestAuth(map[string][]scriptedResponse{
		DeviceUserCodeEndpoint: {{status: 200, body: `{"user_code":"ABCD"}`}},
	})
	_, err := a.InitiateDeviceFlow(context.Background())
	require.Error(t, err)
}

func TestPollOnceClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   sharedauth.DevicePollStatus
	}{
		{"unknown authorization means pending", 403, `{"error":{"code":"deviceauth_authorization_unknown"}}`, sharedauth.PollPending},
		{"not found means pending", 404, `{}`, sharedauth.PollPending},
		{"authorization_pending", 400, `{"error":"authorization_pending"}`, sharedauth.PollPending},
		{"slow_down treated as pending", 400, `{"error":"slow_down"}`, sharedauth.PollPending},
		{"expired", 400, `{"error":"expired_token"}`, sharedauth.PollExpired},
		{"denied", 400, `{"error":"access_denied"}`, sharedauth.PollDenied},
		{"server error", 500, `boom`, sharedauth.PollTransportError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAuth(map[string][]scriptedResponse{
				DevicePollEndpoint: {{status: tc.status, body: tc.body}},
			})
			result := a.PollOnce(context.Background(), "dev-123", "ABCD")
			require.Equal(t, tc.want, result.Status)
		})
	}
}

func TestPollOnceAuthorizedCarriesServerVerifier(t *testing.T) {
	a := newTestAuth(map[string][]scriptedResponse{
		DevicePollEndpoint: {{status: 200, body: `{"authorization_code":"code-1","code_verifier":"server-verifier"}`}},
	})
	result := a.PollOnce(context.Background(), "dev-123", "ABCD")
	require.Equal(t, sharedauth.PollAuthorized, result.Status)
	require.Equal(t, "code-1", result.AuthorizationCode)
	require.Equal(t, "server-verifier", result.CodeVerifier)
}

func TestWaitForAuthorizationPollsUntilApproved(t *testing.T) {
	a := newTestAuth(map[string][]scriptedResponse{
		DevicePollEndpoint: {
			{status: 403, body: `{"error":{"code":"deviceauth_authorization_unknown"}}`},
			{status: 403, body: `{"error":{"code":"deviceauth_authorization_unknown"}}`},
			{status: 200, body: `{"authorization_code":"code-1","code_verifier":"server-verifier"}`},
		},
		TokenEndpoint: {{status: 200, body: `{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`}},
	})

	flow := &sharedauth.DeviceAuthorization{DeviceCode: "dev-123", UserCode: "ABCD", Interval: 0, ExpiresIn: 10}
	td, err := a.WaitForAuthorization(context.Background(), flow)
	require.NoError(t, err)
	require.Equal(t, "at-1", td.AccessToken)
	require.Equal(t, "rt-1", td.RefreshToken)
	require.NotEmpty(t, td.Expire)
}

func TestWaitForAuthorizationStopsOnDenial(t *testing.T) {
	a := newTestAuth(map[string][]scriptedResponse{
		DevicePollEndpoint: {{status: 400, body: `{"error":"access_denied"}`}},
	})
	flow := &sharedauth.DeviceAuthorization{DeviceCode: "dev-123", UserCode: "ABCD", Interval: 0, ExpiresIn: 10}
	_, err := a.WaitForAuthorization(context.Background(), flow)
	require.ErrorContains(t, err, "denied")
}

func TestRefreshTokensKeepsPreviousRefreshToken(t *testing.T) {
	// Codex may omit refresh_token on a refresh grant; the previous one
	// must survive.
	a := newTestAuth(map[string][]scriptedResponse{
		TokenEndpoint: {{status: 200, body: `{"access_token":"at-2","expires_in":3600}`}},
	})
	td, err := a.RefreshTokens(context.Background(), "rt-old")
	require.NoError(t, err)
	require.Equal(t, "at-2", td.AccessToken)
	require.Equal(t, "rt-old", td.RefreshToken)
}

func TestRefreshTokensRequiresToken(t *testing.T) {
	a := newTestAuth(nil)
	_, err := a.RefreshTokens(context.Background(), "")
	require.Error(t, err)
}
