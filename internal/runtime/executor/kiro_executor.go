package executor

import (
	"context"
	"time"

	kiroauth "github.com/agentgate-dev/agentgate/internal/auth/kiro"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	log "github.com/sirupsen/logrus"
)

// KiroExecutor serves Kiro accounts. The upstream speaks plain
// chat.completions against the base URL imported with the account, so the
// request path is the shared compat executor; only token maintenance is
// Kiro-specific, riding the desktop refresh endpoint.
type KiroExecutor struct {
	*OpenAICompatExecutor
	cfg *config.Config
}

func NewKiroExecutor(cfg *config.Config) *KiroExecutor {
	return &KiroExecutor{
		OpenAICompatExecutor: NewOpenAICompatExecutor(constant.Kiro, cfg),
		cfg:                  cfg,
	}
}

func (e *KiroExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	log.Debugf("kiro executor: refresh called")
	if auth == nil {
		return nil, statusErr{code: 500, msg: "kiro executor: auth is nil"}
	}
	refreshToken := authMetadata(auth, "refresh_token")
	if refreshToken == "" {
		return auth, nil
	}
	svc := kiroauth.NewKiroAuth(e.cfg)
	td, err := svc.RefreshTokens(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if auth.Metadata == nil {
		auth.Metadata = make(map[string]any)
	}
	auth.Metadata["access_token"] = td.AccessToken
	if td.RefreshToken != "" {
		auth.Metadata["refresh_token"] = td.RefreshToken
	}
	if td.Expire != "" {
		auth.Metadata["expired"] = td.Expire
	}
	auth.Metadata["type"] = constant.Kiro
	auth.Metadata["last_refresh"] = time.Now().Format(time.RFC3339)
	return auth, nil
}
