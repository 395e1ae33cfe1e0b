// Package gemini implements Google account login for the Gemini CLI
// provider: a browser authorization-code flow with PKCE, token refresh, and
// the Code Assist discovery and onboarding calls that resolve the account's
// cloudaicompanion project and tier.
package gemini

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/util"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// OAuthClientID is the installed-application client the Gemini CLI ships
	// with. Deployments can override it via provider-credentials.
	OAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	OAuthClientSecret = "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"

	// CallbackPort is the localhost port the redirect URI is registered on.
	CallbackPort = 8085
	// CallbackPath is the redirect path registered with Google.
	CallbackPath = "/oauth2callback"

	userInfoURL = "https://www.googleapis.com/oauth2/v1/userinfo?alt=json"
)

// OAuthScopes covers Code Assist plus the userinfo endpoints used to attach
// an email to the account.
var OAuthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// TokenData is the outcome of a completed login or refresh.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	// Expire is the access token expiry in RFC3339.
	Expire    string
	Email     string
	ProjectID string
	Tier      string
}

// GeminiAuth drives the Google OAuth flow for Gemini CLI accounts.
type GeminiAuth struct {
	cfg          *config.Config
	httpClient   *http.Client
	clientID     string
	clientSecret string
}

// NewGeminiAuth builds the auth service, honouring the configured outbound
// proxy and any provider-credentials override for the OAuth client.
func NewGeminiAuth(cfg *config.Config) *GeminiAuth {
	a := &GeminiAuth{
		cfg:          cfg,
		httpClient:   util.SetProxy(cfg, &http.Client{Timeout: 60 * time.Second}),
		clientID:     OAuthClientID,
		clientSecret: OAuthClientSecret,
	}
	if cred := cfg.ProviderCredential("gemini_cli"); cred.ClientID != "" {
		a.clientID = cred.ClientID
		if cred.ClientSecret != "" {
			a.clientSecret = cred.ClientSecret
		}
	}
	return a
}

// HTTPClient exposes the proxy-aware client so the Code Assist calls share it.
func (a *GeminiAuth) HTTPClient() *http.Client {
	return a.httpClient
}

func (a *GeminiAuth) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       OAuthScopes,
		Endpoint:     google.Endpoint,
	}
}

// AuthorizationURL builds the consent URL for the given state and PKCE
// verifier.
func (a *GeminiAuth) AuthorizationURL(state, verifier, redirectURI string) string {
	conf := a.oauthConfig(redirectURI)
	return conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
}

// ExchangeCode redeems the authorization code and resolves the account email.
func (a *GeminiAuth) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenData, error) {
	conf := a.oauthConfig(redirectURI)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	data := newTokenData(token)
	email, errEmail := a.FetchUserEmail(ctx, token.AccessToken)
	if errEmail != nil {
		log.Warnf("failed to fetch user email: %v", errEmail)
	}
	data.Email = email
	return data, nil
}

// CreateAuthRecord assembles the account record persisted after a completed
// login, in the metadata shape the Gemini CLI executor maintains.
func (a *GeminiAuth) CreateAuthRecord(td *TokenData) *coreauth.Auth {
	id := constant.GeminiCLI + "-" + td.Email
	if td.Email == "" {
		id = constant.GeminiCLI + "-" + uuid.NewString()
	}
	return &coreauth.Auth{
		ID:       id,
		Provider: constant.GeminiCLI,
		Label:    td.Email,
		Metadata: map[string]any{
			"type":          constant.GeminiCLI,
			"access_token":  td.AccessToken,
			"refresh_token": td.RefreshToken,
			"expired":       td.Expire,
			"email":         td.Email,
			"project_id":    td.ProjectID,
			"tier":          td.Tier,
			"last_refresh":  time.Now().Format(time.RFC3339),
		},
	}
}

// RefreshTokens trades the refresh token for a fresh access token. Google
// keeps the refresh token stable, so the stored value is reused when the
// response omits one.
func (a *GeminiAuth) RefreshTokens(ctx context.Context, refreshToken string) (*TokenData, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	conf := a.oauthConfig("")
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh tokens: %w", err)
	}

	data := newTokenData(token)
	if data.RefreshToken == "" {
		data.RefreshToken = refreshToken
	}
	return data, nil
}

// FetchUserEmail reads the authenticated user's email from the Google
// userinfo endpoint.
func (a *GeminiAuth) FetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute user info request: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("user info request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return gjson.GetBytes(body, "email").String(), nil
}

func newTokenData(token *oauth2.Token) *TokenData {
	return &TokenData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expire:       token.Expiry.Format(time.RFC3339),
	}
}
