package agentgate

import (
	"fmt"
	"path/filepath"

	"github.com/agentgate-dev/agentgate/internal/cipher"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/ratelimit"
	"github.com/agentgate-dev/agentgate/internal/registry"
	"github.com/agentgate-dev/agentgate/internal/store"
	"github.com/agentgate-dev/agentgate/internal/util"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
)

// Builder constructs a Service instance with customizable dependencies.
type Builder struct {
	cfg         *config.Config
	configPath  string
	st          *store.Store
	coreManager *coreauth.Manager
	hooks       Hooks
}

// Hooks allows callers to plug into service lifecycle stages.
type Hooks struct {
	OnBeforeStart func(*config.Config)
	OnAfterStart  func(*Service)
}

// NewBuilder creates a Builder with default dependencies left unset.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the configuration instance used by the service.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.cfg = cfg
	return b
}

// WithConfigPath sets the absolute configuration file path used for reload
// watching and management persistence.
func (b *Builder) WithConfigPath(path string) *Builder {
	b.configPath = path
	return b
}

// WithStore overrides the credential store. When unset, Build opens the
// bbolt database named by the configuration.
func (b *Builder) WithStore(st *store.Store) *Builder {
	b.st = st
	return b
}

// WithCoreAuthManager overrides the account manager responsible for
// request execution.
func (b *Builder) WithCoreAuthManager(mgr *coreauth.Manager) *Builder {
	b.coreManager = mgr
	return b
}

// WithHooks registers lifecycle hooks executed around service startup.
func (b *Builder) WithHooks(h Hooks) *Builder {
	b.hooks = h
	return b
}

// Build validates inputs, applies defaults, and returns a ready-to-run
// service. The credential store is opened here so Build fails fast on an
// unreadable database or cipher key.
func (b *Builder) Build() (*Service, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("agentgate: configuration is required")
	}
	if b.configPath == "" {
		return nil, fmt.Errorf("agentgate: configuration path is required")
	}

	authDir := util.ResolvePath(b.cfg.AuthDir)

	st := b.st
	if st == nil {
		secret := b.cfg.CipherKey
		if secret == "" {
			key, err := cipher.LoadOrCreateKey(filepath.Join(authDir, "cipher.key"))
			if err != nil {
				return nil, err
			}
			secret = key
		}
		ciph, err := cipher.New(secret)
		if err != nil {
			return nil, err
		}
		storePath := b.cfg.StorePath
		if storePath == "" {
			storePath = filepath.Join(authDir, "agentgate.db")
		}
		st, err = store.Open(util.ResolvePath(storePath), ciph)
		if err != nil {
			return nil, err
		}
	}

	limits := ratelimit.NewRegistry()
	registry.GetGlobalRegistry().SetLimits(limits)

	coreManager := b.coreManager
	if coreManager == nil {
		coreManager = coreauth.NewManager(st, &coreauth.RoundRobinSelector{}, limits)
	}
	coreManager.SetRetryPolicy(b.cfg.RequestRetry, backoffBase(b.cfg))
	coreManager.SetRoundTripperProvider(newProxyRoundTripperProvider())

	return &Service{
		cfg:         b.cfg,
		configPath:  b.configPath,
		authDir:     authDir,
		st:          st,
		ownsStore:   b.st == nil,
		coreManager: coreManager,
		hooks:       b.hooks,
	}, nil
}
