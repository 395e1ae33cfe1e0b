package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/ratelimit"
)

func model(id string) *ModelInfo {
	return &ModelInfo{ID: id, Object: "model", OwnedBy: "test", Type: "openai"}
}

func TestRegisterClientReferenceCounting(t *testing.T) {
	r := NewRegistry()
	r.RegisterClient("auth-1", constant.Copilot, []*ModelInfo{model("gpt-5")})
	r.RegisterClient("auth-2", constant.Copilot, []*ModelInfo{model("gpt-5")})

	require.Equal(t, 2, r.GetModelCount("gpt-5"))

	r.UnregisterClient("auth-1")
	require.Equal(t, 1, r.GetModelCount("gpt-5"))

	r.UnregisterClient("auth-2")
	require.Equal(t, 0, r.GetModelCount("gpt-5"))
	require.Empty(t, r.GetAvailableModels("openai"))
}

func TestReRegisterReplacesModelSet(t *testing.T) {
	r := NewRegistry()
	r.RegisterClient("auth-1", constant.Codex, []*ModelInfo{model("gpt-5"), model("gpt-5-codex")})
	r.RegisterClient("auth-1", constant.Codex, []*ModelInfo{model("gpt-5-codex"), model("codex-mini-latest")})

	require.Equal(t, 0, r.GetModelCount("gpt-5"))
	require.Equal(t, 1, r.GetModelCount("gpt-5-codex"))
	require.Equal(t, 1, r.GetModelCount("codex-mini-latest"))
}

func TestGetAvailableModelsFiltersRateLimitedAccounts(t *testing.T) {
	limits := ratelimit.NewRegistry()
	r := NewRegistry()
	r.SetLimits(limits)
	r.RegisterClient("auth-1", constant.Antigravity, []*ModelInfo{model("claude-sonnet-4-5"), model("gemini-3-pro")})

	limits.MarkRateLimited("auth-1", "claude", time.Minute, "claude-sonnet-4-5", "quota")

	ids := func() []string {
		out := []string{}
		for _, m := range r.GetAvailableModels("openai") {
			out = append(out, m["id"].(string))
		}
		return out
	}

	require.Equal(t, []string{"gemini-3-pro"}, ids())
	require.Equal(t, 0, r.GetModelCount("claude-sonnet-4-5"))

	// Providers stay visible while cooling down so the dispatcher can
	// compute the shortest wait for a 503.
	require.Equal(t, []string{constant.Antigravity}, r.GetModelProviders("claude-sonnet-4-5"))

	limits.MarkRateLimited("auth-2", "claude", time.Minute, "", "")
	r.RegisterClient("auth-2", constant.Kiro, []*ModelInfo{model("claude-sonnet-4-5")})
	require.Equal(t, []string{"claude-sonnet-4-5", "gemini-3-pro"}, ids())
}

func TestGetModelProvidersOrdering(t *testing.T) {
	r := NewRegistry()
	r.RegisterClient("auth-1", constant.Kiro, []*ModelInfo{model("claude-sonnet-4-5")})
	r.RegisterClient("auth-2", constant.Antigravity, []*ModelInfo{model("claude-sonnet-4-5")})
	r.RegisterClient("auth-3", constant.Antigravity, []*ModelInfo{model("claude-sonnet-4-5")})

	require.Equal(t, []string{constant.Antigravity, constant.Kiro}, r.GetModelProviders("claude-sonnet-4-5"))

	// Ties break on provider name.
	r.UnregisterClient("auth-3")
	require.Equal(t, []string{constant.Antigravity, constant.Kiro}, r.GetModelProviders("claude-sonnet-4-5"))
}

func TestRegisterClientNormalisesProviderAlias(t *testing.T) {
	r := NewRegistry()
	r.RegisterClient("auth-1", "github-copilot", []*ModelInfo{model("gpt-5")})
	require.Equal(t, []string{constant.Copilot}, r.GetModelProviders("gpt-5"))
}

func TestSplitModel(t *testing.T) {
	cases := []struct {
		in       string
		provider string
		bare     string
	}{
		{"copilot/gpt-5", constant.Copilot, "gpt-5"},
		{"github-copilot/gpt-5", constant.Copilot, "gpt-5"},
		{"github_copilot/gpt-5", constant.Copilot, "gpt-5"},
		{"openrouter/anthropic/claude-sonnet-4.5", constant.OpenRouter, "anthropic/claude-sonnet-4.5"},
		{"anthropic/claude-sonnet-4.5", "", "anthropic/claude-sonnet-4.5"},
		{"claude-sonnet-4-5", "", "claude-sonnet-4-5"},
		{"/weird", "", "/weird"},
	}
	for _, tc := range cases {
		provider, bare := SplitModel(tc.in)
		require.Equal(t, tc.provider, provider, tc.in)
		require.Equal(t, tc.bare, bare, tc.in)
	}
}

func TestResolveModelPrefixPinsProvider(t *testing.T) {
	r := NewRegistry()

	// An explicit prefix routes even when the registry has never seen the
	// model, which is how arbitrary OpenRouter IDs are reached.
	bare, providers := r.ResolveModel("openrouter/mistralai/devstral-small")
	require.Equal(t, "mistralai/devstral-small", bare)
	require.Equal(t, []string{constant.OpenRouter}, providers)

	bare, providers = r.ResolveModel("totally-unknown")
	require.Equal(t, "totally-unknown", bare)
	require.Empty(t, providers)

	r.RegisterClient("auth-1", constant.QwenCode, []*ModelInfo{model("qwen3-coder-plus")})
	bare, providers = r.ResolveModel("qwen3-coder-plus")
	require.Equal(t, "qwen3-coder-plus", bare)
	require.Equal(t, []string{constant.QwenCode}, providers)
}

func TestListingViews(t *testing.T) {
	r := NewRegistry()
	r.RegisterClient("auth-1", constant.Antigravity, []*ModelInfo{{
		ID:                  "gemini-3-pro",
		Object:              "model",
		Created:             1763424000,
		OwnedBy:             "google",
		Type:                "gemini",
		DisplayName:         "Gemini 3 Pro",
		ContextLength:       1048576,
		MaxCompletionTokens: 65536,
	}})

	openai := r.GetAvailableModels("openai")
	require.Len(t, openai, 1)
	require.Equal(t, "gemini-3-pro", openai[0]["id"])
	require.Equal(t, int64(1763424000), openai[0]["created"])
	require.Equal(t, 1048576, openai[0]["context_length"])

	claude := r.GetAvailableModels("claude")
	require.Len(t, claude, 1)
	require.NotContains(t, claude[0], "context_length")
	require.Equal(t, "Gemini 3 Pro", claude[0]["display_name"])
}

func TestModelsForProviderCatalogs(t *testing.T) {
	for _, provider := range constant.Providers() {
		require.NotEmpty(t, ModelsForProvider(provider), provider)
	}
	require.Nil(t, ModelsForProvider("unknown"))

	ids := map[string]bool{}
	for _, m := range GetAntigravityModels() {
		ids[m.ID] = true
	}
	require.True(t, ids["claude-opus-4-5"])
	require.True(t, ids["claude-opus-4-5-thinking"])
	require.True(t, ids["gemini-3-flash"])
}
