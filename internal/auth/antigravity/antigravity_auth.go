// Package antigravity implements Google account login for the Antigravity
// provider. The flow matches the Gemini CLI login (authorization code with
// PKCE against the Google endpoints) but redirects to the fixed Antigravity
// callback port and onboards through the Code Assist sandbox hosts.
package antigravity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/agentgate-dev/agentgate/internal/auth/gemini"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/util"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// CallbackPort is fixed by the Antigravity client registration.
	CallbackPort = 11451
	// CallbackPath is the redirect path registered with Google.
	CallbackPath = "/oauth2callback"

	// UserAgent tags Code Assist calls issued on behalf of Antigravity.
	UserAgent = "antigravity"
)

// AntigravityAuth drives the Google OAuth flow for Antigravity accounts.
type AntigravityAuth struct {
	cfg          *config.Config
	httpClient   *http.Client
	clientID     string
	clientSecret string
}

// NewAntigravityAuth builds the auth service. The OAuth client defaults to
// the Gemini CLI installed-application client and accepts a
// provider-credentials override.
func NewAntigravityAuth(cfg *config.Config) *AntigravityAuth {
	a := &AntigravityAuth{
		cfg:          cfg,
		httpClient:   util.SetProxy(cfg, &http.Client{Timeout: 60 * time.Second}),
		clientID:     gemini.OAuthClientID,
		clientSecret: gemini.OAuthClientSecret,
	}
	if cred := cfg.ProviderCredential("antigravity"); cred.ClientID != "" {
		a.clientID = cred.ClientID
		if cred.ClientSecret != "" {
			a.clientSecret = cred.ClientSecret
		}
	}
	return a
}

func (a *AntigravityAuth) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       gemini.OAuthScopes,
		Endpoint:     google.Endpoint,
	}
}

// AuthorizationURL builds the consent URL for the given state and PKCE
// verifier.
func (a *AntigravityAuth) AuthorizationURL(state, verifier, redirectURI string) string {
	conf := a.oauthConfig(redirectURI)
	return conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
}

// ExchangeCode redeems the authorization code, resolves the account email
// and onboards the account onto a Code Assist project.
func (a *AntigravityAuth) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*gemini.TokenData, error) {
	conf := a.oauthConfig(redirectURI)
	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	token, err := conf.Exchange(oauthCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	data := &gemini.TokenData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expire:       token.Expiry.Format(time.RFC3339),
	}

	email, errEmail := gemini.NewGeminiAuth(a.cfg).FetchUserEmail(ctx, token.AccessToken)
	if errEmail != nil {
		log.Warnf("failed to fetch user email: %v", errEmail)
	}
	data.Email = email

	projectID, tier, errSetup := a.SetupUser(ctx, token.AccessToken, a.cfg.GeminiCLIProjectID)
	if errSetup != nil {
		return nil, errSetup
	}
	data.ProjectID = projectID
	data.Tier = tier
	return data, nil
}

// SetupUser resolves the cloudaicompanion project for the account through
// the Antigravity host rotation.
func (a *AntigravityAuth) SetupUser(ctx context.Context, accessToken, projectID string) (string, string, error) {
	client := gemini.NewCodeAssistClient(a.httpClient, accessToken, UserAgent, gemini.AntigravityEndpointOrders())
	return client.SetupUser(ctx, projectID)
}

// CreateAuthRecord assembles the account record persisted after a completed
// login, in the metadata shape the Antigravity executor maintains.
func (a *AntigravityAuth) CreateAuthRecord(td *gemini.TokenData) *coreauth.Auth {
	id := constant.Antigravity + "-" + td.Email
	if td.Email == "" {
		id = constant.Antigravity + "-" + uuid.NewString()
	}
	return &coreauth.Auth{
		ID:       id,
		Provider: constant.Antigravity,
		Label:    td.Email,
		Metadata: map[string]any{
			"type":          constant.Antigravity,
			"access_token":  td.AccessToken,
			"refresh_token": td.RefreshToken,
			"expired":       td.Expire,
			"email":         td.Email,
			"project_id":    td.ProjectID,
			"last_refresh":  time.Now().Format(time.RFC3339),
		},
	}
}

// RefreshTokens trades the refresh token for a fresh access token.
func (a *AntigravityAuth) RefreshTokens(ctx context.Context, refreshToken string) (*gemini.TokenData, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	conf := a.oauthConfig("")
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh tokens: %w", err)
	}

	data := &gemini.TokenData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expire:       token.Expiry.Format(time.RFC3339),
	}
	if data.RefreshToken == "" {
		data.RefreshToken = refreshToken
	}
	return data, nil
}
