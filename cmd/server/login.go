package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sharedauth "github.com/agentgate-dev/agentgate/internal/auth"
	"github.com/agentgate-dev/agentgate/internal/auth/antigravity"
	"github.com/agentgate-dev/agentgate/internal/auth/codex"
	"github.com/agentgate-dev/agentgate/internal/auth/copilot"
	"github.com/agentgate-dev/agentgate/internal/auth/gemini"
	"github.com/agentgate-dev/agentgate/internal/auth/iflow"
	"github.com/agentgate-dev/agentgate/internal/auth/kiro"
	"github.com/agentgate-dev/agentgate/internal/auth/qwen"
	"github.com/agentgate-dev/agentgate/internal/browser"
	"github.com/agentgate-dev/agentgate/internal/cipher"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/misc"
	"github.com/agentgate-dev/agentgate/internal/store"
	"github.com/agentgate-dev/agentgate/internal/util"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	log "github.com/sirupsen/logrus"
)

// loginWaitTimeout bounds how long the CLI waits for the browser redirect
// or device approval before giving up.
const loginWaitTimeout = 5 * time.Minute

// doLogin runs an interactive provider login and persists the resulting
// account in the credential store.
func doLogin(cfg *config.Config, provider, projectID string, noBrowser bool) error {
	st, err := openLoginStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := st.Close(); errClose != nil {
			log.Warnf("failed to close credential store: %v", errClose)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), loginWaitTimeout)
	defer cancel()

	var record *coreauth.Auth
	switch constant.CanonicalProvider(strings.ToLower(strings.TrimSpace(provider))) {
	case constant.Antigravity:
		record, err = loginAntigravity(ctx, cfg, noBrowser)
	case constant.GeminiCLI:
		record, err = loginGeminiCLI(ctx, cfg, projectID, noBrowser)
	case constant.IFlow:
		record, err = loginIFlow(ctx, cfg, noBrowser)
	case constant.Codex:
		record, err = loginCodex(ctx, cfg)
	case constant.Copilot:
		record, err = loginCopilot(ctx, cfg)
	case constant.QwenCode:
		record, err = loginQwen(ctx, cfg, noBrowser)
	case constant.Kiro:
		record, err = loginKiro(ctx, cfg)
	default:
		return fmt.Errorf("unknown provider %q (supported: antigravity, gemini_cli, iflow, codex, copilot, qwen_code, kiro)", provider)
	}
	if err != nil {
		return err
	}

	if err = st.SaveAuth(ctx, record); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	fmt.Printf("Login successful. Account %s saved.\n", record.ID)
	return nil
}

// openLoginStore opens the same store the server uses so accounts added by
// the CLI appear on the next server start (or immediately via the watcher).
func openLoginStore(cfg *config.Config) (*store.Store, error) {
	authDir := util.ResolvePath(cfg.AuthDir)
	if err := os.MkdirAll(authDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create auth directory: %w", err)
	}
	key := cfg.CipherKey
	if key == "" {
		loaded, err := cipher.LoadOrCreateKey(filepath.Join(authDir, "cipher.key"))
		if err != nil {
			return nil, fmt.Errorf("failed to load cipher key: %w", err)
		}
		key = loaded
	}
	c, err := cipher.New(key)
	if err != nil {
		return nil, fmt.Errorf("invalid cipher key: %w", err)
	}
	storePath := cfg.StorePath
	if storePath == "" {
		storePath = filepath.Join(authDir, "agentgate.db")
	}
	return store.Open(util.ResolvePath(storePath), c)
}

// runCallbackFlow drives a localhost-redirect PKCE login: start the
// callback listener, surface the consent URL, and wait for the redirect.
func runCallbackFlow(ctx context.Context, port int, path string, noBrowser bool, authorize func(state, verifier, redirectURI string) string) (code, verifier, redirectURI string, err error) {
	state, err := misc.GenerateRandomState()
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	verifier, err = misc.GenerateCodeVerifier()
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}

	callback := sharedauth.NewCallbackServer(port, path)
	if err = callback.Start(); err != nil {
		return "", "", "", err
	}
	defer func() {
		if errStop := callback.Stop(context.Background()); errStop != nil {
			log.Warnf("failed to stop OAuth callback server: %v", errStop)
		}
	}()

	redirectURI = callback.RedirectURL()
	authURL := authorize(state, verifier, redirectURI)
	promptURL(authURL, noBrowser)

	result, err := callback.Wait(ctx, loginWaitTimeout)
	if err != nil {
		return "", "", "", err
	}
	if result.State != state {
		return "", "", "", fmt.Errorf("OAuth state mismatch")
	}
	return result.Code, verifier, redirectURI, nil
}

func promptURL(authURL string, noBrowser bool) {
	fmt.Printf("Open the following URL to authorize access:\n\n  %s\n\n", authURL)
	if noBrowser {
		return
	}
	if err := browser.OpenURL(authURL); err != nil {
		log.Debugf("failed to open browser: %v", err)
	}
}

func loginAntigravity(ctx context.Context, cfg *config.Config, noBrowser bool) (*coreauth.Auth, error) {
	svc := antigravity.NewAntigravityAuth(cfg)
	code, verifier, redirectURI, err := runCallbackFlow(ctx, antigravity.CallbackPort, antigravity.CallbackPath, noBrowser, svc.AuthorizationURL)
	if err != nil {
		return nil, err
	}
	// ExchangeCode also resolves the cloudaicompanion project for the
	// account, so no separate onboarding step is needed.
	td, err := svc.ExchangeCode(ctx, code, verifier, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return svc.CreateAuthRecord(td), nil
}

func loginGeminiCLI(ctx context.Context, cfg *config.Config, projectID string, noBrowser bool) (*coreauth.Auth, error) {
	if projectID == "" {
		projectID = cfg.GeminiCLIProjectID
	}
	svc := gemini.NewGeminiAuth(cfg)
	code, verifier, redirectURI, err := runCallbackFlow(ctx, gemini.CallbackPort, gemini.CallbackPath, noBrowser, svc.AuthorizationURL)
	if err != nil {
		return nil, err
	}
	td, err := svc.ExchangeCode(ctx, code, verifier, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	caClient := gemini.NewCodeAssistClient(svc.HTTPClient(), td.AccessToken, "", gemini.GeminiEndpointOrders())
	resolvedProject, tier, err := caClient.SetupUser(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to onboard account: %w", err)
	}
	td.ProjectID = resolvedProject
	td.Tier = tier
	return svc.CreateAuthRecord(td), nil
}

func loginIFlow(ctx context.Context, cfg *config.Config, noBrowser bool) (*coreauth.Auth, error) {
	svc := iflow.NewIFlowAuth(cfg)
	code, verifier, redirectURI, err := runCallbackFlow(ctx, iflow.CallbackPort, iflow.CallbackPath, noBrowser, svc.AuthorizationURL)
	if err != nil {
		return nil, err
	}
	td, err := svc.ExchangeCode(ctx, code, verifier, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return svc.CreateAuthRecord(td), nil
}

func loginCodex(ctx context.Context, cfg *config.Config) (*coreauth.Auth, error) {
	svc := codex.NewCodexAuth(cfg)
	flow, err := svc.InitiateDeviceFlow(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start device flow: %w", err)
	}
	fmt.Printf("Open %s and enter code: %s\n", flow.VerificationURI, flow.UserCode)
	td, err := svc.WaitForAuthorization(ctx, flow)
	if err != nil {
		return nil, err
	}
	return svc.CreateAuthRecord(td), nil
}

func loginCopilot(ctx context.Context, cfg *config.Config) (*coreauth.Auth, error) {
	svc := copilot.NewCopilotAuth(cfg)
	flow, err := svc.InitiateDeviceFlow(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start device flow: %w", err)
	}
	fmt.Printf("Open %s and enter code: %s\n", flow.VerificationURI, flow.UserCode)
	td, err := svc.WaitForAuthorization(ctx, flow)
	if err != nil {
		return nil, err
	}
	return svc.CreateAuthRecord(td), nil
}

func loginQwen(ctx context.Context, cfg *config.Config, noBrowser bool) (*coreauth.Auth, error) {
	svc := qwen.NewQwenAuth(cfg)
	flow, err := svc.InitiateDeviceFlow(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start device flow: %w", err)
	}
	authURL := flow.VerificationURIComplete
	if authURL == "" {
		authURL = flow.VerificationURI
		fmt.Printf("Enter code: %s\n", flow.UserCode)
	}
	promptURL(authURL, noBrowser)
	td, err := svc.PollForToken(ctx, flow.DeviceCode, flow.CodeVerifier)
	if err != nil {
		return nil, err
	}
	return svc.CreateAuthRecord(td), nil
}

// loginKiro imports a refresh token pasted on stdin. The token pair is
// validated by performing one refresh before the account is saved.
func loginKiro(ctx context.Context, cfg *config.Config) (*coreauth.Auth, error) {
	fmt.Print("Paste Kiro refresh token: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}
	refreshToken := strings.TrimSpace(line)
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is empty")
	}

	svc := kiro.NewKiroAuth(cfg)
	td, err := svc.RefreshTokens(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh token rejected: %w", err)
	}
	return svc.CreateAuthRecord(td), nil
}
