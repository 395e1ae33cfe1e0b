// Package codex implements the ChatGPT Codex login: an OAuth device-pairing
// flow against auth.openai.com. The poll step returns an authorization code
// plus a server-issued PKCE verifier, which are then exchanged for tokens;
// account identity is read from the ID token claims.
package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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
	// ClientID is the Codex CLI client registration.
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	// TokenEndpoint exchanges authorization codes and refresh tokens.
	TokenEndpoint = "https://auth.openai.com/oauth/token"
	// DeviceUserCodeEndpoint starts a device pairing.
	DeviceUserCodeEndpoint = "https://auth.openai.com/api/accounts/deviceauth/usercode"
	// DevicePollEndpoint is polled until the pairing is approved.
	DevicePollEndpoint = "https://auth.openai.com/api/accounts/deviceauth/token"
	// DeviceVerificationURI is where the user enters the code.
	DeviceVerificationURI = "https://chatgpt.com/codex/device"

	// OAuthScopes requested during the pairing exchange.
	OAuthScopes = "openid profile email offline_access"
	// RefreshScopes is the narrower scope sent on refresh grants.
	RefreshScopes = "openid profile email"
)

// CodexTokenData represents the credentials of a Codex account.
type CodexTokenData struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	AccountID    string
	WorkspaceID  string
	Email        string
	// Expire is the access token expiry in RFC3339.
	Expire string
}

// DevicePollResult classifies a single poll of the pairing endpoint.
type DevicePollResult struct {
	Status sharedauth.DevicePollStatus
	// AuthorizationCode and CodeVerifier are set when Status is
	// PollAuthorized. The verifier overrides any locally generated one.
	AuthorizationCode string
	CodeVerifier      string
	Err               error
}

// CodexAuth drives the Codex device-pairing flow.
type CodexAuth struct {
	cfg        *config.Config
	httpClient *http.Client
	clientID   string
}

// NewCodexAuth builds the auth service, honouring the configured outbound
// proxy and any provider-credentials override.
func NewCodexAuth(cfg *config.Config) *CodexAuth {
	a := &CodexAuth{
		cfg:        cfg,
		httpClient: util.SetProxy(cfg, &http.Client{Timeout: 60 * time.Second}),
		clientID:   ClientID,
	}
	if cred := cfg.ProviderCredential("codex"); cred.ClientID != "" {
		a.clientID = cred.ClientID
	}
	return a
}

// InitiateDeviceFlow requests a user code for device pairing.
func (a *CodexAuth) InitiateDeviceFlow(ctx context.Context) (*sharedauth.DeviceAuthorization, error) {
	payload, err := json.Marshal(map[string]string{"client_id": a.clientID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device code request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, DeviceUserCodeEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device authorization failed: %d %s. Response: %s", resp.StatusCode, resp.Status, string(body))
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
	if flow.DeviceCode == "" {
		flow.DeviceCode = root.Get("device_auth_id").String()
	}
	if flow.DeviceCode == "" || flow.UserCode == "" {
		return nil, fmt.Errorf("device authorization response incomplete: %s", string(body))
	}
	if flow.VerificationURI == "" {
		flow.VerificationURI = DeviceVerificationURI
	}
	if flow.Interval <= 0 {
		flow.Interval = 5
	}
	if flow.ExpiresIn <= 0 {
		flow.ExpiresIn = 600
	}
	return flow, nil
}

// PollOnce issues a single poll of the pairing endpoint and classifies the
// outcome. 403/404 responses naming an unknown device authorization mean the
// user has not approved yet.
func (a *CodexAuth) PollOnce(ctx context.Context, deviceCode, userCode string) *DevicePollResult {
	payload, err := json.Marshal(map[string]string{
		"client_id":   a.clientID,
		"device_code": deviceCode,
		"user_code":   userCode,
	})
	if err != nil {
		return &DevicePollResult{Status: sharedauth.PollTransportError, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, DevicePollEndpoint, bytes.NewReader(payload))
	if err != nil {
		return &DevicePollResult{Status: sharedauth.PollTransportError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &DevicePollResult{Status: sharedauth.PollTransportError, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &DevicePollResult{Status: sharedauth.PollTransportError, Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		root := gjson.ParseBytes(body)
		code := root.Get("authorization_code").String()
		if code == "" {
			return &DevicePollResult{
				Status: sharedauth.PollTransportError,
				Err:    fmt.Errorf("pairing response missing authorization_code: %s", string(body)),
			}
		}
		return &DevicePollResult{
			Status:            sharedauth.PollAuthorized,
			AuthorizationCode: code,
			CodeVerifier:      root.Get("code_verifier").String(),
		}
	}

	errCode := gjson.GetBytes(body, "error.code").String()
	if errCode == "" {
		errCode = gjson.GetBytes(body, "error").String()
	}
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		// The authorization record appears only after the user approves.
		if errCode == "deviceauth_authorization_unknown" || errCode == "" {
			return &DevicePollResult{Status: sharedauth.PollPending}
		}
	case errCode == "authorization_pending":
		return &DevicePollResult{Status: sharedauth.PollPending}
	case errCode == "slow_down":
		return &DevicePollResult{Status: sharedauth.PollPending}
	case errCode == "expired_token":
		return &DevicePollResult{Status: sharedauth.PollExpired, Err: fmt.Errorf("device code expired")}
	case errCode == "access_denied":
		return &DevicePollResult{Status: sharedauth.PollDenied, Err: fmt.Errorf("authorization denied by user")}
	}
	return &DevicePollResult{
		Status: sharedauth.PollTransportError,
		Err:    fmt.Errorf("device poll failed: %d %s. Response: %s", resp.StatusCode, resp.Status, string(body)),
	}
}

// WaitForAuthorization polls until the pairing is approved, denied or
// expired, then exchanges the returned code for tokens.
func (a *CodexAuth) WaitForAuthorization(ctx context.Context, flow *sharedauth.DeviceAuthorization) (*CodexTokenData, error) {
	interval := time.Duration(flow.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(flow.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		result := a.PollOnce(ctx, flow.DeviceCode, flow.UserCode)
		switch result.Status {
		case sharedauth.PollPending:
			continue
		case sharedauth.PollAuthorized:
			return a.ExchangeCode(ctx, result.AuthorizationCode, result.CodeVerifier)
		case sharedauth.PollDenied, sharedauth.PollExpired:
			return nil, result.Err
		case sharedauth.PollTransportError:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("codex device poll failed, retrying: %v", result.Err)
			continue
		}
	}
	return nil, fmt.Errorf("device code expired, please restart the authentication process")
}

// ExchangeCode redeems the pairing authorization code for tokens.
func (a *CodexAuth) ExchangeCode(ctx context.Context, code, verifier string) (*CodexTokenData, error) {
	payload := map[string]string{
		"grant_type": "authorization_code",
		"client_id":  a.clientID,
		"code":       code,
	}
	if verifier != "" {
		payload["code_verifier"] = verifier
	}

	root, err := a.requestToken(ctx, payload)
	if err != nil {
		return nil, err
	}
	return a.tokenData(root, "")
}

// CreateAuthRecord assembles the account record persisted after a completed
// pairing, in the metadata shape the Codex executor maintains.
func (a *CodexAuth) CreateAuthRecord(td *CodexTokenData) *coreauth.Auth {
	id := constant.Codex + "-" + td.Email
	if td.Email == "" {
		id = constant.Codex + "-" + uuid.NewString()
	}
	record := &coreauth.Auth{
		ID:       id,
		Provider: constant.Codex,
		Label:    td.Email,
		Metadata: map[string]any{
			"type":          constant.Codex,
			"id_token":      td.IDToken,
			"access_token":  td.AccessToken,
			"refresh_token": td.RefreshToken,
			"account_id":    td.AccountID,
			"email":         td.Email,
			"expired":       td.Expire,
			"last_refresh":  time.Now().Format(time.RFC3339),
		},
	}
	if td.WorkspaceID != "" {
		record.Metadata["workspace_id"] = td.WorkspaceID
	}
	return record
}

// RefreshTokens trades the refresh token for fresh tokens. Codex rotates the
// refresh token on every grant.
func (a *CodexAuth) RefreshTokens(ctx context.Context, refreshToken string) (*CodexTokenData, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     a.clientID,
		"refresh_token": refreshToken,
		"scope":         RefreshScopes,
	}

	root, err := a.requestToken(ctx, payload)
	if err != nil {
		return nil, err
	}
	return a.tokenData(root, refreshToken)
}

func (a *CodexAuth) requestToken(ctx context.Context, payload map[string]string) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return gjson.ParseBytes(respBody), nil
}

// tokenData assembles CodexTokenData from a token response, reading identity
// from the ID token claims when present.
func (a *CodexAuth) tokenData(root gjson.Result, previousRefreshToken string) (*CodexTokenData, error) {
	accessToken := root.Get("access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	data := &CodexTokenData{
		IDToken:      root.Get("id_token").String(),
		AccessToken:  accessToken,
		RefreshToken: root.Get("refresh_token").String(),
	}
	if data.RefreshToken == "" {
		data.RefreshToken = previousRefreshToken
	}
	if expiresIn := root.Get("expires_in"); expiresIn.Exists() {
		data.Expire = time.Now().Add(time.Duration(expiresIn.Int()) * time.Second).Format(time.RFC3339)
	}

	if data.IDToken != "" {
		claims, err := ParseJWTToken(data.IDToken)
		if err != nil {
			log.Warnf("failed to parse ID token claims: %v", err)
		} else {
			data.Email = claims.GetUserEmail()
			data.AccountID = claims.GetAccountID()
			data.WorkspaceID = claims.GetWorkspaceID()
		}
	}
	return data, nil
}
