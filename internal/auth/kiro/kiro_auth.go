// Package kiro implements token maintenance for Kiro accounts. Kiro issues
// its token pair through the desktop IDE's social login, so there is no
// browser flow here: the proxy imports an existing refresh token and keeps
// the access token fresh through the desktop refresh endpoint.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/util"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	"github.com/google/uuid"
)

// RefreshEndpoint renews the token pair issued by the Kiro desktop login.
const RefreshEndpoint = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"

// KiroTokenData represents the credentials of a Kiro account.
type KiroTokenData struct {
	AccessToken  string
	RefreshToken string
	// Expire is the access token expiry in RFC3339.
	Expire string
}

// KiroAuth refreshes imported Kiro token pairs.
type KiroAuth struct {
	cfg        *config.Config
	httpClient *http.Client
}

// NewKiroAuth builds the auth service honouring the configured outbound proxy.
func NewKiroAuth(cfg *config.Config) *KiroAuth {
	return &KiroAuth{
		cfg:        cfg,
		httpClient: util.SetProxy(cfg, &http.Client{Timeout: 60 * time.Second}),
	}
}

// CreateAuthRecord assembles the account record persisted after a refresh
// token import, in the metadata shape the Kiro executor maintains.
func (a *KiroAuth) CreateAuthRecord(td *KiroTokenData) *coreauth.Auth {
	return &coreauth.Auth{
		ID:       constant.Kiro + "-" + uuid.NewString(),
		Provider: constant.Kiro,
		Label:    fmt.Sprintf("kiro-%d", time.Now().UnixMilli()),
		Metadata: map[string]any{
			"type":          constant.Kiro,
			"access_token":  td.AccessToken,
			"refresh_token": td.RefreshToken,
			"expired":       td.Expire,
			"last_refresh":  time.Now().Format(time.RFC3339),
		},
	}
}

// RefreshTokens trades the refresh token for a fresh pair. Kiro rotates the
// refresh token when it chooses; the stored value is reused otherwise.
func (a *KiroAuth) RefreshTokens(ctx context.Context, refreshToken string) (*KiroTokenData, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, RefreshEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing accessToken: %s", string(body))
	}

	data := &KiroTokenData{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
	}
	if data.RefreshToken == "" {
		data.RefreshToken = refreshToken
	}
	if tokenResp.ExpiresIn > 0 {
		data.Expire = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).Format(time.RFC3339)
	}
	return data, nil
}
