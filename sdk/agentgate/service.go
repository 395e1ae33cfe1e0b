// Package agentgate wraps the proxy server lifecycle so external programs
// can embed AgentGate: build a Service, call Run, and the API server, the
// credential store, the file watcher and the refresh loop are managed
// together.
package agentgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentgate-dev/agentgate/internal/api"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/registry"
	"github.com/agentgate-dev/agentgate/internal/runtime/executor"
	"github.com/agentgate-dev/agentgate/internal/store"
	"github.com/agentgate-dev/agentgate/internal/usage"
	"github.com/agentgate-dev/agentgate/internal/watcher"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	log "github.com/sirupsen/logrus"
)

// autoRefreshInterval is how often the background loop checks for
// credentials approaching expiry.
const autoRefreshInterval = 15 * time.Minute

// Service owns the proxy server lifecycle: store, account manager, API
// server, watcher and refresh loop.
type Service struct {
	cfg        *config.Config
	cfgMu      sync.RWMutex
	configPath string
	authDir    string

	st        *store.Store
	ownsStore bool

	coreManager *coreauth.Manager
	hooks       Hooks

	server    *api.Server
	serverErr chan error

	fileWatcher   *watcher.Watcher
	watcherCancel context.CancelFunc

	shutdownOnce sync.Once
}

// AuthManager exposes the account manager, mainly for tests and embedders.
func (s *Service) AuthManager() *coreauth.Manager { return s.coreManager }

// Run starts the service and blocks until the context is cancelled or the
// server stops.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("agentgate: service is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Errorf("service shutdown returned error: %v", err)
		}
	}()

	if err := s.ensureAuthDir(); err != nil {
		return err
	}

	// Model registrations follow account lifecycle events, so the hook must
	// be in place before the store is loaded.
	s.coreManager.SetOnChange(func(auth *coreauth.Auth, deleted bool) {
		if auth == nil || auth.ID == "" {
			return
		}
		if deleted || auth.Disabled || auth.Status == coreauth.StatusDisabled {
			registry.GetGlobalRegistry().UnregisterClient(auth.ID)
			return
		}
		s.registerModelsForAuth(auth)
	})

	s.registerExecutors()

	if err := s.coreManager.Load(ctx); err != nil {
		log.Warnf("failed to load credential store: %v", err)
	}
	s.syncCompatAccounts(ctx, s.currentConfig())

	usage.StartDefault(ctx)

	s.server = api.NewServer(s.currentConfig(), s.coreManager, s.st, s.configPath)

	if s.hooks.OnBeforeStart != nil {
		s.hooks.OnBeforeStart(s.currentConfig())
	}

	s.serverErr = make(chan error, 1)
	go func() {
		s.serverErr <- s.server.Start()
	}()
	log.Infof("API server listening on port %d", s.currentConfig().Port)

	if s.hooks.OnAfterStart != nil {
		s.hooks.OnAfterStart(s)
	}

	if err := s.startWatcher(); err != nil {
		return err
	}

	s.coreManager.StartAutoRefresh(context.Background(), autoRefreshInterval)
	log.Debugf("credential auto-refresh started (interval=%s)", autoRefreshInterval)

	select {
	case <-ctx.Done():
		log.Debug("service context cancelled, shutting down...")
		return ctx.Err()
	case err := <-s.serverErr:
		return err
	}
}

// Shutdown gracefully stops background workers, the HTTP server and the
// credential store.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if s.watcherCancel != nil {
			s.watcherCancel()
		}
		s.coreManager.StopAutoRefresh()
		if s.fileWatcher != nil {
			if err := s.fileWatcher.Stop(); err != nil {
				log.Errorf("failed to stop file watcher: %v", err)
				shutdownErr = err
			}
		}
		usage.StopDefault()
		if s.server != nil {
			if err := s.server.Stop(ctx); err != nil {
				log.Errorf("error stopping API server: %v", err)
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
		if s.ownsStore && s.st != nil {
			if err := s.st.Close(); err != nil {
				log.Errorf("error closing credential store: %v", err)
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
	})
	return shutdownErr
}

func (s *Service) currentConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Service) ensureAuthDir() error {
	info, err := os.Stat(s.authDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(s.authDir, 0o755); mkErr != nil {
				return fmt.Errorf("agentgate: failed to create auth directory %s: %w", s.authDir, mkErr)
			}
			log.Infof("created missing auth directory: %s", s.authDir)
			return nil
		}
		return fmt.Errorf("agentgate: error checking auth directory %s: %w", s.authDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("agentgate: auth path exists but is not a directory: %s", s.authDir)
	}
	return nil
}

// registerExecutors installs one executor per canonical provider plus one
// per custom OpenAI-compatibility block.
func (s *Service) registerExecutors() {
	cfg := s.currentConfig()
	s.coreManager.RegisterExecutor(executor.NewAntigravityExecutor(cfg))
	s.coreManager.RegisterExecutor(executor.NewGeminiCLIExecutor(cfg))
	s.coreManager.RegisterExecutor(executor.NewCodexExecutor(cfg))
	s.coreManager.RegisterExecutor(executor.NewCopilotExecutor(cfg))
	s.coreManager.RegisterExecutor(executor.NewIFlowExecutor(cfg))
	s.coreManager.RegisterExecutor(executor.NewQwenExecutor(cfg))
	s.coreManager.RegisterExecutor(executor.NewKiroExecutor(cfg))
	s.coreManager.RegisterExecutor(executor.NewOpenAICompatExecutor(constant.NvidiaNIM, cfg))
	s.coreManager.RegisterExecutor(executor.NewOpenAICompatExecutor(constant.OllamaCloud, cfg))
	s.coreManager.RegisterExecutor(executor.NewOpenAICompatExecutor(constant.OpenRouter, cfg))
	for i := range cfg.OpenAICompatibility {
		name := strings.ToLower(strings.TrimSpace(cfg.OpenAICompatibility[i].Name))
		if name == "" || constant.IsProvider(constant.CanonicalProvider(name)) {
			continue
		}
		s.coreManager.RegisterExecutor(executor.NewOpenAICompatExecutor(name, cfg))
	}
}

// syncCompatAccounts mirrors the configuration's openai-compatibility
// blocks into account records. Config-sourced accounts carry a
// deterministic ID so re-running the sync updates rather than duplicates,
// and blocks removed from the config drop their accounts.
func (s *Service) syncCompatAccounts(ctx context.Context, cfg *config.Config) {
	desired := make(map[string]bool)
	for i := range cfg.OpenAICompatibility {
		compat := &cfg.OpenAICompatibility[i]
		name := strings.TrimSpace(compat.Name)
		if name == "" {
			continue
		}
		provider := constant.CanonicalProvider(strings.ToLower(name))
		for _, key := range compat.APIKeys {
			if key == "" {
				continue
			}
			id := compatAccountID(provider, key)
			desired[id] = true
			auth := &coreauth.Auth{
				ID:       id,
				Provider: provider,
				Label:    name,
				Status:   coreauth.StatusActive,
				Attributes: map[string]string{
					"api_key":     key,
					"base_url":    compat.BaseURL,
					"compat_name": name,
					"source":      "config",
				},
			}
			if existing, ok := s.coreManager.GetByID(id); ok {
				auth.CreatedAt = existing.CreatedAt
				if _, err := s.coreManager.Update(ctx, auth); err != nil {
					log.Errorf("failed to update compat account %s: %v", id, err)
				}
				continue
			}
			if _, err := s.coreManager.Register(ctx, auth); err != nil {
				log.Errorf("failed to register compat account %s: %v", id, err)
			}
		}
	}
	for _, auth := range s.coreManager.List() {
		if auth.Attributes["source"] != "config" || desired[auth.ID] {
			continue
		}
		if err := s.coreManager.Delete(ctx, auth.ID); err != nil {
			log.Errorf("failed to remove stale compat account %s: %v", auth.ID, err)
		}
	}
}

func compatAccountID(provider, apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "compat-" + provider + "-" + hex.EncodeToString(sum[:8])
}

// registerModelsForAuth binds the account's model catalog in the global
// registry. Canonical providers use the built-in catalogs; custom
// compatibility blocks advertise their configured aliases.
func (s *Service) registerModelsForAuth(auth *coreauth.Auth) {
	builtin := registry.ModelsForProvider(auth.Provider)
	// Config aliases extend the built-in catalog for canonical compat
	// providers like openrouter, and are the only catalog for custom blocks.
	aliased := s.compatModels(auth)
	models := make([]*registry.ModelInfo, 0, len(builtin)+len(aliased))
	models = append(models, builtin...)
	models = append(models, aliased...)
	if len(models) == 0 {
		log.Debugf("no models known for account %s (%s)", auth.ID, auth.Provider)
		return
	}
	registry.GetGlobalRegistry().RegisterClient(auth.ID, auth.Provider, models)
}

func (s *Service) compatModels(auth *coreauth.Auth) []*registry.ModelInfo {
	cfg := s.currentConfig()
	name := auth.Attributes["compat_name"]
	if name == "" {
		name = auth.Provider
	}
	for i := range cfg.OpenAICompatibility {
		compat := &cfg.OpenAICompatibility[i]
		if !strings.EqualFold(strings.TrimSpace(compat.Name), name) {
			continue
		}
		models := make([]*registry.ModelInfo, 0, len(compat.Models))
		for j := range compat.Models {
			model := compat.Models[j]
			id := model.Alias
			if id == "" {
				id = model.Name
			}
			models = append(models, &registry.ModelInfo{
				ID:          id,
				Object:      "model",
				Created:     time.Now().Unix(),
				OwnedBy:     compat.Name,
				Type:        "openai",
				DisplayName: model.Name,
			})
		}
		return models
	}
	return nil
}

func (s *Service) startWatcher() error {
	fw, err := watcher.NewWatcher(s.configPath, s.authDir, watcher.Callbacks{
		OnConfigChange: s.handleConfigReload,
		OnAuthFile:     s.handleAuthFile,
	})
	if err != nil {
		return fmt.Errorf("agentgate: failed to create watcher: %w", err)
	}
	s.fileWatcher = fw
	fw.SetConfig(s.currentConfig())

	watcherCtx, cancel := context.WithCancel(context.Background())
	s.watcherCancel = cancel
	if err = fw.Start(watcherCtx); err != nil {
		cancel()
		return fmt.Errorf("agentgate: failed to start watcher: %w", err)
	}
	log.Info("file watcher started for config and auth directory changes")
	return nil
}

func (s *Service) handleConfigReload(newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	s.cfgMu.Lock()
	s.cfg = newCfg
	s.cfgMu.Unlock()

	s.coreManager.SetRetryPolicy(newCfg.RequestRetry, backoffBase(newCfg))
	if s.server != nil {
		s.server.UpdateConfig(newCfg)
	}
	s.registerExecutors()
	s.syncCompatAccounts(context.Background(), newCfg)
}

// handleAuthFile imports an account file dropped into the auth directory,
// or removes the account when the file disappears. Timestamps survive
// re-imports so round-robin ordering stays stable.
func (s *Service) handleAuthFile(id string, auth *coreauth.Auth, removed bool) {
	ctx := context.Background()
	if removed {
		if err := s.coreManager.Delete(ctx, id); err != nil {
			log.Warnf("failed to remove account %s: %v", id, err)
		}
		return
	}
	if existing, ok := s.coreManager.GetByID(id); ok {
		auth.CreatedAt = existing.CreatedAt
		auth.LastRefreshedAt = existing.LastRefreshedAt
		auth.NextRefreshAfter = existing.NextRefreshAfter
		if _, err := s.coreManager.Update(ctx, auth); err != nil {
			log.Warnf("failed to update account %s: %v", id, err)
		}
		return
	}
	if _, err := s.coreManager.Register(ctx, auth); err != nil {
		log.Warnf("failed to register account %s: %v", id, err)
	}
}

func backoffBase(cfg *config.Config) time.Duration {
	if cfg.RetryBackoffMs <= 0 {
		return 0
	}
	return time.Duration(cfg.RetryBackoffMs) * time.Millisecond
}
