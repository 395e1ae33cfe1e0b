// Package qwen implements the Qwen Code OAuth login: an RFC 8628 device
// flow hardened with PKCE, where the poll request carries the code verifier
// issued alongside the device code.
package qwen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/misc"
	"github.com/agentgate-dev/agentgate/internal/util"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	QwenOAuthDeviceCodeEndpoint = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	QwenOAuthTokenEndpoint      = "https://chat.qwen.ai/api/v1/oauth2/token"
	QwenOAuthClientID           = "f0304373b74a44d2b584a3fb70ca9e56"
	QwenOAuthScope              = "openid profile email model.completion"
	QwenOAuthGrantType          = "urn:ietf:params:oauth:grant-type:device_code"
)

// QwenTokenData represents OAuth credentials returned by a completed flow.
type QwenTokenData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ResourceURL  string `json:"resource_url,omitempty"`
	Expire       string `json:"expiry_date,omitempty"`
}

// DeviceFlow represents the device authorization response plus the PKCE
// verifier the poll step must echo back.
type DeviceFlow struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
	CodeVerifier            string `json:"code_verifier"`
}

// QwenTokenResponse represents the token endpoint response.
type QwenTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ResourceURL  string `json:"resource_url,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// QwenAuth manages the device flow and token refresh.
type QwenAuth struct {
	httpClient *http.Client
	clientID   string
}

// NewQwenAuth creates a new QwenAuth honouring the configured outbound proxy
// and any provider-credentials override.
func NewQwenAuth(cfg *config.Config) *QwenAuth {
	a := &QwenAuth{
		httpClient: util.SetProxy(cfg, &http.Client{Timeout: 60 * time.Second}),
		clientID:   QwenOAuthClientID,
	}
	if cred := cfg.ProviderCredential("qwen_code"); cred.ClientID != "" {
		a.clientID = cred.ClientID
	}
	return a
}

// InitiateDeviceFlow requests a device code. The PKCE verifier generated
// here rides along in the returned DeviceFlow for the poll step.
func (qa *QwenAuth) InitiateDeviceFlow(ctx context.Context) (*DeviceFlow, error) {
	codeVerifier, codeChallenge, err := misc.GeneratePKCEPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE pair: %w", err)
	}

	data := url.Values{}
	data.Set("client_id", qa.clientID)
	data.Set("scope", QwenOAuthScope)
	data.Set("code_challenge", codeChallenge)
	data.Set("code_challenge_method", "S256")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, QwenOAuthDeviceCodeEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := qa.httpClient.Do(req)
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

	var result DeviceFlow
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse device flow response: %w", err)
	}
	if result.DeviceCode == "" {
		return nil, fmt.Errorf("device authorization failed: device_code not found in response")
	}

	result.CodeVerifier = codeVerifier
	return &result, nil
}

// PollForToken polls the token endpoint until the user approves the device
// code, the code expires, or ctx is cancelled. authorization_pending keeps
// the current interval; slow_down stretches it by half, capped at 10s.
func (qa *QwenAuth) PollForToken(ctx context.Context, deviceCode, codeVerifier string) (*QwenTokenData, error) {
	pollInterval := 5 * time.Second
	maxAttempts := 60

	for attempt := 0; attempt < maxAttempts; attempt++ {
		data := url.Values{}
		data.Set("grant_type", QwenOAuthGrantType)
		data.Set("client_id", qa.clientID)
		data.Set("device_code", deviceCode)
		data.Set("code_verifier", codeVerifier)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, QwenOAuthTokenEndpoint, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, fmt.Errorf("failed to create poll request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := qa.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("polling attempt %d/%d failed: %v", attempt+1, maxAttempts, err)
			if errSleep := sleepCtx(ctx, pollInterval); errSleep != nil {
				return nil, errSleep
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			log.Warnf("polling attempt %d/%d failed: %v", attempt+1, maxAttempts, err)
			if errSleep := sleepCtx(ctx, pollInterval); errSleep != nil {
				return nil, errSleep
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			var errorData map[string]interface{}
			if err = json.Unmarshal(body, &errorData); err == nil {
				if resp.StatusCode == http.StatusBadRequest {
					errorType, _ := errorData["error"].(string)
					switch errorType {
					case "authorization_pending":
						log.Infof("polling attempt %d/%d...", attempt+1, maxAttempts)
						if errSleep := sleepCtx(ctx, pollInterval); errSleep != nil {
							return nil, errSleep
						}
						continue
					case "slow_down":
						pollInterval = time.Duration(float64(pollInterval) * 1.5)
						if pollInterval > 10*time.Second {
							pollInterval = 10 * time.Second
						}
						log.Infof("server requested to slow down, increasing poll interval to %v", pollInterval)
						if errSleep := sleepCtx(ctx, pollInterval); errSleep != nil {
							return nil, errSleep
						}
						continue
					case "expired_token":
						return nil, fmt.Errorf("device code expired, please restart the authentication process")
					case "access_denied":
						return nil, fmt.Errorf("authorization denied by user, please restart the authentication process")
					}
				}

				errorType, _ := errorData["error"].(string)
				errorDesc, _ := errorData["error_description"].(string)
				return nil, fmt.Errorf("device token poll failed: %s - %s", errorType, errorDesc)
			}

			return nil, fmt.Errorf("device token poll failed: %d %s. Response: %s", resp.StatusCode, resp.Status, string(body))
		}

		var response QwenTokenResponse
		if err = json.Unmarshal(body, &response); err != nil {
			return nil, fmt.Errorf("failed to parse token response: %w", err)
		}

		return &QwenTokenData{
			AccessToken:  response.AccessToken,
			RefreshToken: response.RefreshToken,
			TokenType:    response.TokenType,
			ResourceURL:  response.ResourceURL,
			Expire:       time.Now().Add(time.Duration(response.ExpiresIn) * time.Second).Format(time.RFC3339),
		}, nil
	}

	return nil, fmt.Errorf("authentication timeout, please restart the authentication process")
}

// CreateAuthRecord assembles the account record persisted after a completed
// flow, in the metadata shape the Qwen executor maintains. Qwen issues no
// stable identity, so records are labelled by login time.
func (qa *QwenAuth) CreateAuthRecord(td *QwenTokenData) *coreauth.Auth {
	label := fmt.Sprintf("qwen-%d", time.Now().UnixMilli())
	return &coreauth.Auth{
		ID:       constant.QwenCode + "-" + uuid.NewString(),
		Provider: constant.QwenCode,
		Label:    label,
		Metadata: map[string]any{
			"type":          constant.QwenCode,
			"access_token":  td.AccessToken,
			"refresh_token": td.RefreshToken,
			"resource_url":  td.ResourceURL,
			"expired":       td.Expire,
			"email":         label,
			"last_refresh":  time.Now().Format(time.RFC3339),
		},
	}
}

// RefreshTokens refreshes the access token using the refresh token. Qwen
// rotates the refresh token on every grant.
func (qa *QwenAuth) RefreshTokens(ctx context.Context, refreshToken string) (*QwenTokenData, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", qa.clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, QwenOAuthTokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := qa.httpClient.Do(req)
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
		var errorData map[string]interface{}
		if err = json.Unmarshal(body, &errorData); err == nil {
			return nil, fmt.Errorf("token refresh failed: %v - %v", errorData["error"], errorData["error_description"])
		}
		return nil, fmt.Errorf("token refresh failed: %s", string(body))
	}

	var tokenData QwenTokenResponse
	if err = json.Unmarshal(body, &tokenData); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	result := &QwenTokenData{
		AccessToken:  tokenData.AccessToken,
		TokenType:    tokenData.TokenType,
		RefreshToken: tokenData.RefreshToken,
		ResourceURL:  tokenData.ResourceURL,
		Expire:       time.Now().Add(time.Duration(tokenData.ExpiresIn) * time.Second).Format(time.RFC3339),
	}
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	return result, nil
}

// RefreshTokensWithRetry refreshes tokens with a linear backoff between
// attempts.
func (qa *QwenAuth) RefreshTokensWithRetry(ctx context.Context, refreshToken string, maxRetries int) (*QwenTokenData, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		tokenData, err := qa.RefreshTokens(ctx, refreshToken)
		if err == nil {
			return tokenData, nil
		}

		lastErr = err
		log.Warnf("token refresh attempt %d failed: %v", attempt+1, err)
	}

	return nil, fmt.Errorf("token refresh failed after %d attempts: %w", maxRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
