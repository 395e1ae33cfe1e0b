package executor

import (
	"time"

	"github.com/agentgate-dev/agentgate/internal/constant"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
)

// Providers with short-lived upstream tokens refresh ahead of expiry so a
// request never races a token that is about to lapse. The lead is how long
// before expiry the auto-refresh kicks in.
func init() {
	registerRefreshLead(constant.Copilot, 5*time.Minute)
	registerRefreshLead(constant.Codex, 5*time.Minute)
	registerRefreshLead(constant.Antigravity, 60*time.Minute)
	registerRefreshLead(constant.GeminiCLI, 30*time.Minute)
	registerRefreshLead(constant.IFlow, 24*time.Hour)
}

func registerRefreshLead(provider string, lead time.Duration) {
	coreauth.RegisterRefreshLeadProvider(provider, func() *time.Duration {
		d := lead
		return &d
	})
}
