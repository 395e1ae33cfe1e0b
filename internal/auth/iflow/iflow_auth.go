// Package iflow implements the iFlow OAuth login: an authorization-code
// flow with PKCE against iflow.cn, followed by a user-info call that yields
// the API key actually used on chat requests. The API key is distinct from
// the OAuth access token and is refreshed alongside it.
package iflow

import (
	"context"
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
	"github.com/tidwall/gjson"
)

const (
	// AuthURL is the browser authorization page.
	AuthURL = "https://iflow.cn/oauth"
	// TokenURL exchanges codes and refresh tokens.
	TokenURL = "https://iflow.cn/oauth/token"
	// UserInfoURL yields profile data plus the chat API key.
	UserInfoURL = "https://iflow.cn/api/oauth/getUserInfo"

	// ClientID and ClientSecret identify the iFlow CLI client registration.
	ClientID     = "10009311001"
	ClientSecret = "4Z3YjXycVsQvyGF1etiNlIBB4RsqSDtW"

	// CallbackPort is fixed by the iFlow client registration.
	CallbackPort = 11451
	// CallbackPath is the redirect path registered with iFlow.
	CallbackPath = "/oauth2callback"

	// DefaultAPIBaseURL is the OpenAI-compatible chat endpoint base.
	DefaultAPIBaseURL = "https://apis.iflow.cn/v1"
)

// TokenData is the outcome of a completed login or refresh.
type TokenData struct {
	APIKey       string
	AccessToken  string
	RefreshToken string
	// Expire is the access token expiry in RFC3339.
	Expire string
	Email  string
}

// IFlowAuth drives the iFlow OAuth flow.
type IFlowAuth struct {
	cfg          *config.Config
	httpClient   *http.Client
	clientID     string
	clientSecret string
}

// NewIFlowAuth builds the auth service, honouring the configured outbound
// proxy and any provider-credentials override.
func NewIFlowAuth(cfg *config.Config) *IFlowAuth {
	a := &IFlowAuth{
		cfg:          cfg,
		httpClient:   util.SetProxy(cfg, &http.Client{Timeout: 60 * time.Second}),
		clientID:     ClientID,
		clientSecret: ClientSecret,
	}
	if cred := cfg.ProviderCredential("iflow"); cred.ClientID != "" {
		a.clientID = cred.ClientID
		if cred.ClientSecret != "" {
			a.clientSecret = cred.ClientSecret
		}
	}
	return a
}

// AuthorizationURL builds the consent URL for the given state and PKCE
// verifier.
func (a *IFlowAuth) AuthorizationURL(state, verifier, redirectURI string) string {
	challenge := misc.CodeChallengeS256(verifier)
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", a.clientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("scope", "openid profile")
	params.Set("state", state)
	params.Set("access_type", "offline")
	params.Set("prompt", "consent")
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", "S256")
	return AuthURL + "?" + params.Encode()
}

// ExchangeCode redeems the authorization code and fetches the chat API key.
func (a *IFlowAuth) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenData, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)
	form.Set("code_verifier", verifier)

	data, err := a.requestToken(ctx, form)
	if err != nil {
		return nil, err
	}

	keyData, errKey := a.FetchUserInfo(ctx, data.AccessToken)
	if errKey != nil {
		return nil, fmt.Errorf("failed to fetch iFlow API key: %w", errKey)
	}
	data.APIKey = keyData.APIKey
	data.Email = keyData.Email
	return data, nil
}

// CreateAuthRecord assembles the account record persisted after a completed
// login, in the metadata shape the iFlow executor maintains. The chat API
// key is mirrored into the attributes so request preparation can read it
// without walking the metadata.
func (a *IFlowAuth) CreateAuthRecord(td *TokenData) *coreauth.Auth {
	id := constant.IFlow + "-" + td.Email
	if td.Email == "" {
		id = constant.IFlow + "-" + uuid.NewString()
	}
	return &coreauth.Auth{
		ID:       id,
		Provider: constant.IFlow,
		Label:    td.Email,
		Attributes: map[string]string{
			"api_key": td.APIKey,
		},
		Metadata: map[string]any{
			"type":          constant.IFlow,
			"access_token":  td.AccessToken,
			"refresh_token": td.RefreshToken,
			"api_key":       td.APIKey,
			"expired":       td.Expire,
			"email":         td.Email,
			"last_refresh":  time.Now().Format(time.RFC3339),
		},
	}
}

// RefreshTokens trades the refresh token for fresh tokens. iFlow rotates the
// refresh token, and a user-info call renews the API key; when that call
// fails the refresh still succeeds and the caller keeps the stored key.
func (a *IFlowAuth) RefreshTokens(ctx context.Context, refreshToken string) (*TokenData, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.clientSecret)

	data, err := a.requestToken(ctx, form)
	if err != nil {
		return nil, err
	}
	if data.RefreshToken == "" {
		data.RefreshToken = refreshToken
	}

	keyData, errKey := a.FetchUserInfo(ctx, data.AccessToken)
	if errKey != nil {
		log.Warnf("iflow: user-info call failed after refresh, keeping stored API key: %v", errKey)
		return data, nil
	}
	data.APIKey = keyData.APIKey
	if keyData.Email != "" {
		data.Email = keyData.Email
	}
	return data, nil
}

// FetchUserInfo reads the profile attached to the access token. The endpoint
// answers either a bare object or one wrapped in {"data": ...}; both shapes
// carry the API key.
func (a *IFlowAuth) FetchUserInfo(ctx context.Context, accessToken string) (*TokenData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute user info request: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("user info request failed with status %d: %s", resp.StatusCode, string(body))
	}

	root := gjson.ParseBytes(body)
	if data := root.Get("data"); data.Exists() && data.IsObject() {
		root = data
	}

	apiKey := root.Get("apiKey").String()
	if apiKey == "" {
		apiKey = root.Get("api_key").String()
	}
	if apiKey == "" {
		return nil, fmt.Errorf("user info response missing apiKey: %s", string(body))
	}

	email := root.Get("email").String()
	if email == "" {
		email = root.Get("phone").String()
	}
	return &TokenData{APIKey: apiKey, Email: email}, nil
}

func (a *IFlowAuth) requestToken(ctx context.Context, form url.Values) (*TokenData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute token request: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	root := gjson.ParseBytes(body)
	accessToken := root.Get("access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("token response missing access_token: %s", string(body))
	}

	expire := ""
	if expiresIn := root.Get("expires_in"); expiresIn.Exists() {
		expire = time.Now().Add(time.Duration(expiresIn.Int()) * time.Second).Format(time.RFC3339)
	}

	return &TokenData{
		AccessToken:  accessToken,
		RefreshToken: root.Get("refresh_token").String(),
		Expire:       expire,
	}, nil
}
