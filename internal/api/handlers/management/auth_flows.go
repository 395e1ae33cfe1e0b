package management

import (
	"context"
	"fmt"
	"net/http"
	"time"

	sharedauth "github.com/agentgate-dev/agentgate/internal/auth"
	"github.com/agentgate-dev/agentgate/internal/auth/antigravity"
	"github.com/agentgate-dev/agentgate/internal/auth/codex"
	"github.com/agentgate-dev/agentgate/internal/auth/copilot"
	"github.com/agentgate-dev/agentgate/internal/auth/gemini"
	"github.com/agentgate-dev/agentgate/internal/auth/iflow"
	"github.com/agentgate-dev/agentgate/internal/auth/kiro"
	"github.com/agentgate-dev/agentgate/internal/auth/qwen"
	"github.com/agentgate-dev/agentgate/internal/misc"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// callbackWaitTimeout bounds how long a background login waits for the
// browser redirect before giving up.
const callbackWaitTimeout = 5 * time.Minute

// RequestAntigravityToken starts the Antigravity browser login and returns
// the consent URL. The code exchange continues in the background once the
// user approves access.
func (h *Handler) RequestAntigravityToken(c *gin.Context) {
	log.Info("Initializing Antigravity authentication...")

	state, err := misc.GenerateRandomState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to generate state: %v", err)})
		return
	}
	verifier, err := misc.GenerateCodeVerifier()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to generate PKCE verifier: %v", err)})
		return
	}

	callback := sharedauth.NewCallbackServer(antigravity.CallbackPort, antigravity.CallbackPath)
	if err = callback.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	svc := antigravity.NewAntigravityAuth(h.cfg)
	authURL := svc.AuthorizationURL(state, verifier, callback.RedirectURL())

	go func() {
		ctx := context.Background()
		defer func() {
			if errStop := callback.Stop(ctx); errStop != nil {
				log.Warnf("failed to stop OAuth callback server: %v", errStop)
			}
		}()

		log.Info("Waiting for authentication callback...")
		result, errWait := callback.Wait(ctx, callbackWaitTimeout)
		if errWait != nil {
			log.Errorf("Authentication failed: %v", errWait)
			return
		}
		if result.State != state {
			log.Error("OAuth state mismatch, aborting login")
			return
		}

		td, errExchange := svc.ExchangeCode(ctx, result.Code, verifier, callback.RedirectURL())
		if errExchange != nil {
			log.Errorf("Failed to exchange authorization code: %v", errExchange)
			return
		}

		if _, errSave := h.authManager.Register(ctx, svc.CreateAuthRecord(td)); errSave != nil {
			log.Errorf("Failed to save account: %v", errSave)
			return
		}
		log.Infof("Antigravity authentication successful: %s", td.Email)
	}()

	c.JSON(http.StatusOK, gin.H{"status": "ok", "url": authURL})
}

// RequestGeminiCLIToken starts the Gemini CLI browser login. An optional
// project_id query pins the Code Assist project; otherwise the configured
// gemini-cli-project-id (or onboarding discovery) decides.
func (h *Handler) RequestGeminiCLIToken(c *gin.Context) {
	projectID := c.Query("project_id")
	if projectID == "" {
		projectID = h.cfg.GeminiCLIProjectID
	}

	log.Info("Initializing Google authentication...")

	state, err := misc.GenerateRandomState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to generate state: %v", err)})
		return
	}
	verifier, err := misc.GenerateCodeVerifier()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to generate PKCE verifier: %v", err)})
		return
	}

	callback := sharedauth.NewCallbackServer(gemini.CallbackPort, gemini.CallbackPath)
	if err = callback.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	svc := gemini.NewGeminiAuth(h.cfg)
	authURL := svc.AuthorizationURL(state, verifier, callback.RedirectURL())

	go func() {
		ctx := context.Background()
		defer func() {
			if errStop := callback.Stop(ctx); errStop != nil {
				log.Warnf("failed to stop OAuth callback server: %v", errStop)
			}
		}()

		log.Info("Waiting for authentication callback...")
		result, errWait := callback.Wait(ctx, callbackWaitTimeout)
		if errWait != nil {
			log.Errorf("Authentication failed: %v", errWait)
			return
		}
		if result.State != state {
			log.Error("OAuth state mismatch, aborting login")
			return
		}

		td, errExchange := svc.ExchangeCode(ctx, result.Code, verifier, callback.RedirectURL())
		if errExchange != nil {
			log.Errorf("Failed to exchange authorization code: %v", errExchange)
			return
		}

		caClient := gemini.NewCodeAssistClient(svc.HTTPClient(), td.AccessToken, "", gemini.GeminiEndpointOrders())
		resolvedProject, tier, errSetup := caClient.SetupUser(ctx, projectID)
		if errSetup != nil {
			log.Errorf("Failed to onboard Gemini account: %v", errSetup)
			return
		}
		td.ProjectID = resolvedProject
		td.Tier = tier

		if _, errSave := h.authManager.Register(ctx, svc.CreateAuthRecord(td)); errSave != nil {
			log.Errorf("Failed to save account: %v", errSave)
			return
		}
		log.Infof("Gemini CLI authentication successful: %s", td.Email)
	}()

	c.JSON(http.StatusOK, gin.H{"status": "ok", "url": authURL})
}

// RequestIFlowToken starts the iFlow browser login.
func (h *Handler) RequestIFlowToken(c *gin.Context) {
	log.Info("Initializing iFlow authentication...")

	state, err := misc.GenerateRandomState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to generate state: %v", err)})
		return
	}
	verifier, err := misc.GenerateCodeVerifier()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to generate PKCE verifier: %v", err)})
		return
	}

	callback := sharedauth.NewCallbackServer(iflow.CallbackPort, iflow.CallbackPath)
	if err = callback.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	svc := iflow.NewIFlowAuth(h.cfg)
	authURL := svc.AuthorizationURL(state, verifier, callback.RedirectURL())

	go func() {
		ctx := context.Background()
		defer func() {
			if errStop := callback.Stop(ctx); errStop != nil {
				log.Warnf("failed to stop OAuth callback server: %v", errStop)
			}
		}()

		log.Info("Waiting for authentication callback...")
		result, errWait := callback.Wait(ctx, callbackWaitTimeout)
		if errWait != nil {
			log.Errorf("Authentication failed: %v", errWait)
			return
		}
		if result.State != state {
			log.Error("OAuth state mismatch, aborting login")
			return
		}

		td, errExchange := svc.ExchangeCode(ctx, result.Code, verifier, callback.RedirectURL())
		if errExchange != nil {
			log.Errorf("Failed to exchange authorization code: %v", errExchange)
			return
		}

		if _, errSave := h.authManager.Register(ctx, svc.CreateAuthRecord(td)); errSave != nil {
			log.Errorf("Failed to save account: %v", errSave)
			return
		}
		log.Infof("iFlow authentication successful: %s", td.Email)
	}()

	c.JSON(http.StatusOK, gin.H{"status": "ok", "url": authURL})
}

// RequestCodexToken starts the Codex device login. The response carries the
// verification URL and the user code to enter there.
func (h *Handler) RequestCodexToken(c *gin.Context) {
	log.Info("Initializing Codex authentication...")

	svc := codex.NewCodexAuth(h.cfg)
	flow, err := svc.InitiateDeviceFlow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to start device flow: %v", err)})
		return
	}

	go func() {
		ctx := context.Background()
		td, errWait := svc.WaitForAuthorization(ctx, flow)
		if errWait != nil {
			log.Errorf("Codex authentication failed: %v", errWait)
			return
		}
		if _, errSave := h.authManager.Register(ctx, svc.CreateAuthRecord(td)); errSave != nil {
			log.Errorf("Failed to save account: %v", errSave)
			return
		}
		log.Infof("Codex authentication successful: %s", td.Email)
	}()

	c.JSON(http.StatusOK, gin.H{"status": "ok", "url": flow.VerificationURI, "user_code": flow.UserCode})
}

// RequestCopilotToken starts the GitHub Copilot device login.
func (h *Handler) RequestCopilotToken(c *gin.Context) {
	log.Info("Initializing GitHub Copilot authentication...")

	svc := copilot.NewCopilotAuth(h.cfg)
	flow, err := svc.InitiateDeviceFlow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to start device flow: %v", err)})
		return
	}

	go func() {
		ctx := context.Background()
		td, errWait := svc.WaitForAuthorization(ctx, flow)
		if errWait != nil {
			log.Errorf("Copilot authentication failed: %v", errWait)
			return
		}
		if _, errSave := h.authManager.Register(ctx, svc.CreateAuthRecord(td)); errSave != nil {
			log.Errorf("Failed to save account: %v", errSave)
			return
		}
		log.Infof("Copilot authentication successful: %s", td.Login)
	}()

	c.JSON(http.StatusOK, gin.H{"status": "ok", "url": flow.VerificationURI, "user_code": flow.UserCode})
}

// RequestQwenToken starts the Qwen device login. The complete verification
// URI embeds the user code, so approving is a single click.
func (h *Handler) RequestQwenToken(c *gin.Context) {
	log.Info("Initializing Qwen authentication...")

	svc := qwen.NewQwenAuth(h.cfg)
	flow, err := svc.InitiateDeviceFlow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to start device flow: %v", err)})
		return
	}

	go func() {
		ctx := context.Background()
		td, errWait := svc.PollForToken(ctx, flow.DeviceCode, flow.CodeVerifier)
		if errWait != nil {
			log.Errorf("Qwen authentication failed: %v", errWait)
			return
		}
		if _, errSave := h.authManager.Register(ctx, svc.CreateAuthRecord(td)); errSave != nil {
			log.Errorf("Failed to save account: %v", errSave)
			return
		}
		log.Info("Qwen authentication successful")
	}()

	authURL := flow.VerificationURIComplete
	if authURL == "" {
		authURL = flow.VerificationURI
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "url": authURL, "user_code": flow.UserCode})
}

// RequestKiroToken imports a Kiro refresh token. Kiro has no browser flow
// the proxy can drive, so the token pair is validated by performing one
// refresh before the account is saved.
func (h *Handler) RequestKiroToken(c *gin.Context) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing refresh_token"})
		return
	}

	svc := kiro.NewKiroAuth(h.cfg)
	td, err := svc.RefreshTokens(c.Request.Context(), body.RefreshToken)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("refresh token rejected: %v", err)})
		return
	}

	record := svc.CreateAuthRecord(td)
	if _, err = h.authManager.Register(c.Request.Context(), record); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to save account: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": record.ID})
}
