package registry

import (
	"strings"

	"github.com/agentgate-dev/agentgate/internal/constant"
)

// SplitModel strips an explicit "<provider>/" routing prefix from a model
// name. Only the closed provider set (and its aliases) is recognised, so
// vendor-scoped IDs like "anthropic/claude-sonnet-4.5" pass through intact.
func SplitModel(model string) (provider, bare string) {
	idx := strings.Index(model, "/")
	if idx <= 0 {
		return "", model
	}
	candidate := constant.CanonicalProvider(strings.ToLower(model[:idx]))
	if !constant.IsProvider(candidate) {
		return "", model
	}
	return candidate, model[idx+1:]
}

// ResolveModel maps a requested model name to the bare upstream model and
// the providers that claim it. An explicit prefix pins the provider even for
// models the registry has never seen, which is how arbitrary OpenRouter IDs
// are routed.
func (r *ModelRegistry) ResolveModel(model string) (string, []string) {
	provider, bare := SplitModel(model)
	if provider != "" {
		return bare, []string{provider}
	}
	return bare, r.GetModelProviders(bare)
}
