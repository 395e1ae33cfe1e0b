// Package api provides the HTTP server for AgentGate. It wires the Gin
// engine, the CORS/logging/auth middleware and the per-surface handlers
// (OpenAI, Anthropic Messages, management) around the shared account
// manager, and supports hot-reloading configuration without a restart.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentgate-dev/agentgate/internal/api/handlers"
	"github.com/agentgate-dev/agentgate/internal/api/handlers/claude"
	managementHandlers "github.com/agentgate-dev/agentgate/internal/api/handlers/management"
	"github.com/agentgate-dev/agentgate/internal/api/handlers/openai"
	"github.com/agentgate-dev/agentgate/internal/api/middleware"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/logging"
	"github.com/agentgate-dev/agentgate/internal/store"
	_ "github.com/agentgate-dev/agentgate/internal/translator"
	"github.com/agentgate-dev/agentgate/internal/util"
	sdkaccess "github.com/agentgate-dev/agentgate/sdk/access"
	_ "github.com/agentgate-dev/agentgate/sdk/access/providers/configapikey"
	"github.com/agentgate-dev/agentgate/sdk/access/providers/storekey"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server represents the main API server. It encapsulates the Gin engine,
// the HTTP server, the handlers and the inbound access manager.
type Server struct {
	engine *gin.Engine
	server *http.Server

	handlers *handlers.BaseAPIHandler
	cfg      *config.Config

	requestLogger  *logging.FileRequestLogger
	configFilePath string

	mgmt   *managementHandlers.Handler
	access *sdkaccess.Manager
	st     *store.Store
}

// NewServer creates and initializes a new API server instance bound to the
// given configuration, account manager and credential store.
func NewServer(cfg *config.Config, authManager *coreauth.Manager, st *store.Store, configFilePath string) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.AccessLog())
	engine.Use(logging.Recovery())

	requestLogger := logging.NewFileRequestLogger(cfg.RequestLog, "logs")
	engine.Use(middleware.ExchangeCapture(requestLogger))
	engine.Use(corsMiddleware())

	s := &Server{
		engine:         engine,
		handlers:       handlers.NewBaseAPIHandlers(cfg, authManager),
		cfg:            cfg,
		requestLogger:  requestLogger,
		configFilePath: configFilePath,
		access:         sdkaccess.NewManager(),
		st:             st,
	}
	s.mgmt = managementHandlers.NewHandler(cfg, authManager, st, configFilePath)
	s.rebuildAccessProviders(cfg)

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes configures the API routes for the server.
func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewOpenAIAPIHandler(s.handlers)
	claudeHandlers := claude.NewClaudeAPIHandler(s.handlers)

	v1 := s.engine.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.GET("/models", s.unifiedModelsHandler(openaiHandlers, claudeHandlers))
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		v1.POST("/messages", claudeHandlers.ClaudeMessages)
		v1.POST("/messages/count_tokens", claudeHandlers.ClaudeCountTokens)
		v1.POST("/token-count", openaiHandlers.TokenCount)
	}

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "AgentGate API Server",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"POST /v1/messages",
				"GET /v1/models",
			},
		})
	})

	// Management endpoints disappear entirely (404) when no key is set.
	if s.cfg.RemoteManagement.SecretKey != "" {
		mgmt := s.engine.Group("/v0/management")
		mgmt.Use(s.mgmt.Middleware())
		{
			mgmt.GET("/config", s.mgmt.GetConfig)

			mgmt.GET("/debug", s.mgmt.GetDebug)
			mgmt.PUT("/debug", s.mgmt.PutDebug)
			mgmt.PATCH("/debug", s.mgmt.PutDebug)

			mgmt.GET("/proxy-url", s.mgmt.GetProxyURL)
			mgmt.PUT("/proxy-url", s.mgmt.PutProxyURL)
			mgmt.PATCH("/proxy-url", s.mgmt.PutProxyURL)
			mgmt.DELETE("/proxy-url", s.mgmt.DeleteProxyURL)

			mgmt.GET("/request-log", s.mgmt.GetRequestLog)
			mgmt.PUT("/request-log", s.mgmt.PutRequestLog)
			mgmt.PATCH("/request-log", s.mgmt.PutRequestLog)

			mgmt.GET("/request-retry", s.mgmt.GetRequestRetry)
			mgmt.PUT("/request-retry", s.mgmt.PutRequestRetry)
			mgmt.PATCH("/request-retry", s.mgmt.PutRequestRetry)

			mgmt.GET("/allow-localhost-unauthenticated", s.mgmt.GetAllowLocalhost)
			mgmt.PUT("/allow-localhost-unauthenticated", s.mgmt.PutAllowLocalhost)
			mgmt.PATCH("/allow-localhost-unauthenticated", s.mgmt.PutAllowLocalhost)

			mgmt.GET("/api-keys", s.mgmt.GetAPIKeys)
			mgmt.PUT("/api-keys", s.mgmt.PutAPIKeys)
			mgmt.PATCH("/api-keys", s.mgmt.PatchAPIKeys)
			mgmt.DELETE("/api-keys", s.mgmt.DeleteAPIKeys)

			mgmt.GET("/openai-compatibility", s.mgmt.GetOpenAICompat)
			mgmt.PUT("/openai-compatibility", s.mgmt.PutOpenAICompat)
			mgmt.PATCH("/openai-compatibility", s.mgmt.PatchOpenAICompat)
			mgmt.DELETE("/openai-compatibility", s.mgmt.DeleteOpenAICompat)

			mgmt.GET("/accounts", s.mgmt.ListAccounts)
			mgmt.DELETE("/accounts", s.mgmt.DeleteAccount)

			mgmt.GET("/auth-files", s.mgmt.ListAuthFiles)
			mgmt.GET("/auth-files/download", s.mgmt.DownloadAuthFile)
			mgmt.POST("/auth-files", s.mgmt.UploadAuthFile)
			mgmt.DELETE("/auth-files", s.mgmt.DeleteAuthFile)

			mgmt.GET("/proxy-api-keys", s.mgmt.ListProxyKeys)
			mgmt.POST("/proxy-api-keys", s.mgmt.CreateProxyKey)
			mgmt.DELETE("/proxy-api-keys", s.mgmt.DeleteProxyKey)

			mgmt.POST("/login/antigravity", s.mgmt.RequestAntigravityToken)
			mgmt.POST("/login/gemini-cli", s.mgmt.RequestGeminiCLIToken)
			mgmt.POST("/login/iflow", s.mgmt.RequestIFlowToken)
			mgmt.POST("/login/codex", s.mgmt.RequestCodexToken)
			mgmt.POST("/login/copilot", s.mgmt.RequestCopilotToken)
			mgmt.POST("/login/qwen", s.mgmt.RequestQwenToken)
			mgmt.POST("/login/kiro", s.mgmt.RequestKiroToken)
		}
	}
}

// unifiedModelsHandler serves /v1/models for both surfaces: claude-cli
// user agents get the Anthropic shape, everything else the OpenAI shape.
func (s *Server) unifiedModelsHandler(openaiHandler *openai.OpenAIAPIHandler, claudeHandler *claude.ClaudeAPIHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.GetHeader("User-Agent"), "claude-cli") {
			claudeHandler.ClaudeModels(c)
			return
		}
		openaiHandler.OpenAIModels(c)
	}
}

// Start begins listening for and serving HTTP requests. It blocks until
// the server stops with an unrecoverable error.
func (s *Server) Start() error {
	log.Debugf("starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting active
// connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}

// UpdateConfig applies a hot-reloaded configuration: request logging and
// log level react immediately, the access providers are rebuilt and the
// handlers swap their config reference.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if s.requestLogger != nil && s.cfg.RequestLog != cfg.RequestLog {
		s.requestLogger.SetEnabled(cfg.RequestLog)
		log.Debugf("request logging updated from %t to %t", s.cfg.RequestLog, cfg.RequestLog)
	}
	if s.cfg.Debug != cfg.Debug {
		util.SetLogLevel(cfg)
		log.Debugf("debug mode updated from %t to %t", s.cfg.Debug, cfg.Debug)
	}
	if s.cfg.LoggingToFile != cfg.LoggingToFile {
		if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
			log.Errorf("failed to switch log output: %v", err)
		}
	}

	s.cfg = cfg
	s.handlers.UpdateConfig(cfg)
	if s.mgmt != nil {
		s.mgmt.SetConfig(cfg)
	}
	s.rebuildAccessProviders(cfg)
}

// rebuildAccessProviders reconstructs the inbound credential checkers from
// the configuration, always keeping the store-issued proxy keys active.
func (s *Server) rebuildAccessProviders(cfg *config.Config) {
	providers, err := sdkaccess.BuildProviders(cfg)
	if err != nil {
		log.Errorf("failed to build access providers: %v", err)
		return
	}
	if s.st != nil {
		lookup := func(ctx context.Context, rawKey string) (string, bool, error) {
			key, ok, errLookup := s.st.LookupProxyAPIKey(ctx, rawKey)
			if errLookup != nil || !ok {
				return "", false, errLookup
			}
			return key.UserID, true, nil
		}
		if p := storekey.New(lookup); p != nil {
			providers = append(providers, p)
		}
	}
	s.access.SetProviders(providers)
}

// authMiddleware authenticates inbound requests through the access manager.
// With no providers configured at all, requests pass unauthenticated, which
// matches a local single-user deployment.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AllowLocalhostUnauthenticated && isLocalhost(c.Request.RemoteAddr) {
			c.Next()
			return
		}
		if len(s.access.Providers()) == 0 {
			c.Next()
			return
		}

		result, err := s.access.Authenticate(c.Request.Context(), c.Request)
		if err != nil {
			if errors.Is(err, sdkaccess.ErrNoCredentials) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
				return
			}
			if errors.Is(err, sdkaccess.ErrInvalidCredential) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}
		if result != nil {
			c.Set("apiKey", result.Principal)
			if userID := result.Metadata["user_id"]; userID != "" {
				c.Set("userID", userID)
			}
		}
		c.Next()
	}
}

func isLocalhost(remoteAddr string) bool {
	return strings.HasPrefix(remoteAddr, "127.0.0.1:") || strings.HasPrefix(remoteAddr, "[::1]:")
}

// corsMiddleware adds permissive CORS headers to every response.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Api-Key, X-Goog-Api-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
