// Package copilot implements the GitHub Copilot login: the GitHub device
// flow yields a long-lived GitHub OAuth token, which is then exchanged at
// the Copilot internal token endpoint for the short-lived session token the
// chat API accepts.
package copilot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	sharedauth "github.com/agentgate-dev/agentgate/internal/auth"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/util"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// ClientID is the GitHub OAuth app registered for the Copilot plugins.
	ClientID = "Iv1.b507a08c87ecfe98"

	// DeviceCodeEndpoint starts the GitHub device flow.
	DeviceCodeEndpoint = "https://github.com/login/device/code"
	// AccessTokenEndpoint is polled for the device grant.
	AccessTokenEndpoint = "https://github.com/login/oauth/access_token"
	// DeviceGrantType is the RFC 8628 grant identifier.
	DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
	// OAuthScope is the scope the Copilot plugins request.
	OAuthScope = "read:user"

	// CopilotTokenEndpoint exchanges a GitHub token for a session token.
	CopilotTokenEndpoint = "https://api.github.com/copilot_internal/v2/token"
	// GitHubUserEndpoint resolves the account login for labelling.
	GitHubUserEndpoint = "https://api.github.com/user"

	// DefaultAPIBaseURL serves individual plans; the token exchange points
	// business and enterprise accounts at their own hosts.
	DefaultAPIBaseURL = "https://api.githubcopilot.com"

	// Client identification headers required by the internal Copilot APIs.
	UserAgent           = "GitHubCopilotChat/0.26.7"
	EditorVersion       = "vscode/1.96.0"
	EditorPluginVersion = "copilot-chat/0.26.7"
	IntegrationID       = "vscode-chat"
	APIVersion          = "2025-04-01"
)

// CopilotTokenData represents the credentials of a Copilot account. The
// GitHub token is long-lived and plays the refresh-token role; the session
// token expires within the hour.
type CopilotTokenData struct {
	GitHubToken string
	Token       string
	// ExpiresAt is the session token expiry as a Unix timestamp.
	ExpiresAt int64
	// APIBaseURL is the chat endpoint host announced by the exchange.
	APIBaseURL string
	Login      string
}

// ExchangeError reports a failed session token exchange with the upstream
// status, letting callers separate revoked tokens from transient outages.
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("copilot token exchange failed with status %d: %s", e.StatusCode, e.Body)
}

// CopilotAuth drives the GitHub device flow and session token exchange.
type CopilotAuth struct {
	cfg        *config.Config
	httpClient *http.Client
	clientID   string
}

// NewCopilotAuth builds the auth service, honouring the configured outbound
// proxy and any provider-credentials override.
func NewCopilotAuth(cfg *config.Config) *CopilotAuth {
	a := &CopilotAuth{
		cfg:        cfg,
		httpClient: util.SetProxy(cfg, &http.Client{Timeout: 60 * time.Second}),
		clientID:   ClientID,
	}
	if cred := cfg.ProviderCredential("copilot"); cred.ClientID != "" {
		a.clientID = cred.ClientID
	}
	return a
}

// InitiateDeviceFlow requests a device and user code pair from GitHub.
func (a *CopilotAuth) InitiateDeviceFlow(ctx context.Context) (*sharedauth.DeviceAuthorization, error) {
	form := url.Values{}
	form.Set("client_id", a.clientID)
	form.Set("scope", OAuthScope)

	body, err := a.postForm(ctx, DeviceCodeEndpoint, form)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}

	root := gjson.ParseBytes(body)
	flow := &sharedauth.DeviceAuthorization{
		DeviceCode:              root.Get("device_code").String(),
		UserCode:                root.Get("user_code").String(),
		VerificationURI:         root.Get("verification_uri").String(),
		VerificationURIComplete: root.Get("verification_uri_complete").String(),
		ExpiresIn:               int(root.Get("expires_in").Int()),
		Interval:                int(root.Get("interval").Int()),
	}
	if flow.DeviceCode == "" || flow.UserCode == "" {
		return nil, fmt.Errorf("device authorization response incomplete: %s", string(body))
	}
	if flow.Interval <= 0 {
		flow.Interval = 5
	}
	if flow.ExpiresIn <= 0 {
		flow.ExpiresIn = 900
	}
	return flow, nil
}

// PollOnce issues a single poll of the device grant and classifies the
// outcome. The GitHub token arrives with PollAuthorized.
func (a *CopilotAuth) PollOnce(ctx context.Context, deviceCode string) (string, sharedauth.DevicePollStatus, error) {
	form := url.Values{}
	form.Set("client_id", a.clientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", DeviceGrantType)

	body, err := a.postForm(ctx, AccessTokenEndpoint, form)
	if err != nil {
		return "", sharedauth.PollTransportError, err
	}

	root := gjson.ParseBytes(body)
	if token := root.Get("access_token").String(); token != "" {
		return token, sharedauth.PollAuthorized, nil
	}

	switch root.Get("error").String() {
	case "authorization_pending", "slow_down":
		return "", sharedauth.PollPending, nil
	case "expired_token":
		return "", sharedauth.PollExpired, fmt.Errorf("device code expired")
	case "access_denied":
		return "", sharedauth.PollDenied, fmt.Errorf("authorization denied by user")
	}
	return "", sharedauth.PollTransportError, fmt.Errorf("device token poll failed: %s", string(body))
}

// WaitForAuthorization polls until the device grant resolves, then performs
// the Copilot session token exchange and resolves the account login.
func (a *CopilotAuth) WaitForAuthorization(ctx context.Context, flow *sharedauth.DeviceAuthorization) (*CopilotTokenData, error) {
	interval := time.Duration(flow.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(flow.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		githubToken, status, err := a.PollOnce(ctx, flow.DeviceCode)
		switch status {
		case sharedauth.PollPending:
			// GitHub answers slow_down with HTTP 200; stretch the interval
			// conservatively either way.
			continue
		case sharedauth.PollAuthorized:
			data, errExchange := a.ExchangeCopilotToken(ctx, githubToken)
			if errExchange != nil {
				return nil, errExchange
			}
			login, errLogin := a.FetchUserLogin(ctx, githubToken)
			if errLogin != nil {
				log.Warnf("failed to fetch GitHub login: %v", errLogin)
			}
			data.Login = login
			return data, nil
		case sharedauth.PollDenied, sharedauth.PollExpired:
			return nil, err
		case sharedauth.PollTransportError:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("copilot device poll failed, retrying: %v", err)
			continue
		}
	}
	return nil, fmt.Errorf("device code expired, please restart the authentication process")
}

// CreateAuthRecord assembles the account record persisted after a completed
// login, in the metadata shape the Copilot executor maintains.
func (a *CopilotAuth) CreateAuthRecord(td *CopilotTokenData) *coreauth.Auth {
	id := constant.Copilot + "-" + td.Login
	if td.Login == "" {
		id = constant.Copilot + "-" + uuid.NewString()
	}
	record := &coreauth.Auth{
		ID:       id,
		Provider: constant.Copilot,
		Label:    td.Login,
		Metadata: map[string]any{
			"type":         constant.Copilot,
			"github_token": td.GitHubToken,
			"email":        td.Login,
			"last_refresh": time.Now().Format(time.RFC3339),
		},
	}
	if td.Token != "" {
		record.Metadata["copilot_token"] = td.Token
	}
	if td.ExpiresAt > 0 {
		record.Metadata["copilot_token_expiry"] = time.Unix(td.ExpiresAt, 0).Format(time.RFC3339)
	}
	if td.APIBaseURL != "" {
		record.Metadata["api_base_url"] = td.APIBaseURL
	}
	return record
}

// ExchangeCopilotToken trades a GitHub OAuth token for a Copilot session
// token. Called on login and whenever the session token nears expiry.
func (a *CopilotAuth) ExchangeCopilotToken(ctx context.Context, githubToken string) (*CopilotTokenData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, CopilotTokenEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create token exchange request: %w", err)
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Editor-Version", EditorVersion)
	req.Header.Set("Editor-Plugin-Version", EditorPluginVersion)
	req.Header.Set("X-Github-Api-Version", APIVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("copilot token exchange failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ExchangeError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	root := gjson.ParseBytes(body)
	token := root.Get("token").String()
	if token == "" {
		return nil, fmt.Errorf("copilot token exchange response missing token")
	}

	apiBase := root.Get("endpoints.api").String()
	if apiBase == "" {
		apiBase = DefaultAPIBaseURL
	}
	return &CopilotTokenData{
		GitHubToken: githubToken,
		Token:       token,
		ExpiresAt:   root.Get("expires_at").Int(),
		APIBaseURL:  strings.TrimSuffix(apiBase, "/"),
	}, nil
}

// FetchUserLogin resolves the GitHub account login for display purposes.
func (a *CopilotAuth) FetchUserLogin(ctx context.Context, githubToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, GitHubUserEndpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create user request: %w", err)
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user request failed with status %d: %s", resp.StatusCode, string(body))
	}

	root := gjson.ParseBytes(body)
	if email := root.Get("email").String(); email != "" && email != "null" {
		return email, nil
	}
	return root.Get("login").String(), nil
}

func (a *CopilotAuth) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		// GitHub reports poll states with 200; anything else is unexpected.
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
