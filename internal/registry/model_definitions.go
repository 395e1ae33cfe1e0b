// Static model catalogs registered on behalf of each provider's accounts.
// IDs must match what the upstream endpoints accept; routing aliases such as
// claude-opus-4-5 -> claude-opus-4-5-thinking are resolved by the executors,
// so both spellings are advertised here.
package registry

import (
	"time"

	"github.com/agentgate-dev/agentgate/internal/constant"
)

// GetAntigravityModels returns the models served through Antigravity.
func GetAntigravityModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:          "claude-sonnet-4-5",
			Object:      "model",
			Created:     1759104000, // 2025-09-29
			OwnedBy:     "anthropic",
			Type:        "claude",
			DisplayName: "Claude Sonnet 4.5",
		},
		{
			ID:          "claude-sonnet-4-5-thinking",
			Object:      "model",
			Created:     1759104000, // 2025-09-29
			OwnedBy:     "anthropic",
			Type:        "claude",
			DisplayName: "Claude Sonnet 4.5 (Thinking)",
		},
		{
			ID:          "claude-opus-4-5",
			Object:      "model",
			Created:     1763942400, // 2025-11-24
			OwnedBy:     "anthropic",
			Type:        "claude",
			DisplayName: "Claude Opus 4.5",
		},
		{
			ID:          "claude-opus-4-5-thinking",
			Object:      "model",
			Created:     1763942400, // 2025-11-24
			OwnedBy:     "anthropic",
			Type:        "claude",
			DisplayName: "Claude Opus 4.5 (Thinking)",
		},
		{
			ID:                  "gemini-3-pro",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "google",
			Type:                "gemini",
			DisplayName:         "Gemini 3 Pro",
			Description:         "Frontier Gemini reasoning model served through Code Assist.",
			ContextLength:       1048576,
			MaxCompletionTokens: 65536,
		},
		{
			ID:                  "gemini-3-flash",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "google",
			Type:                "gemini",
			DisplayName:         "Gemini 3 Flash",
			Description:         "Fast Gemini model served through Code Assist.",
			ContextLength:       1048576,
			MaxCompletionTokens: 65536,
		},
	}
}

// GetCodexModels returns the models served through the ChatGPT Codex backend.
func GetCodexModels() []*ModelInfo {
	base := func(id, displayName string) *ModelInfo {
		return &ModelInfo{
			ID:                  id,
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "openai",
			Type:                "openai",
			Version:             "gpt-5-2025-08-07",
			DisplayName:         displayName,
			ContextLength:       400000,
			MaxCompletionTokens: 128000,
		}
	}
	return []*ModelInfo{
		base("gpt-5", "GPT 5"),
		base("gpt-5-codex", "GPT 5 Codex"),
		base("gpt-5-minimal", "GPT 5 Minimal"),
		base("gpt-5-low", "GPT 5 Low"),
		base("gpt-5-medium", "GPT 5 Medium"),
		base("gpt-5-high", "GPT 5 High"),
		{
			ID:                  "codex-mini-latest",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "openai",
			Type:                "openai",
			Version:             "1.0",
			DisplayName:         "Codex Mini",
			Description:         "Lightweight code generation model.",
			ContextLength:       200000,
			MaxCompletionTokens: 100000,
		},
	}
}

// GetCopilotModels returns the models served through GitHub Copilot.
func GetCopilotModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:                  "gpt-5",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "github",
			Type:                "openai",
			DisplayName:         "GPT 5",
			ContextLength:       400000,
			MaxCompletionTokens: 128000,
		},
		{
			ID:                  "gpt-5-mini",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "github",
			Type:                "openai",
			DisplayName:         "GPT 5 mini",
			ContextLength:       272000,
			MaxCompletionTokens: 64000,
		},
		{
			ID:                  "gpt-4.1",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "github",
			Type:                "openai",
			DisplayName:         "GPT 4.1",
			ContextLength:       128000,
			MaxCompletionTokens: 16384,
		},
		{
			ID:                  "o4-mini",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "github",
			Type:                "openai",
			DisplayName:         "o4-mini",
			ContextLength:       128000,
			MaxCompletionTokens: 16384,
		},
		{
			ID:          "claude-sonnet-4.5",
			Object:      "model",
			Created:     1759104000, // 2025-09-29
			OwnedBy:     "github",
			Type:        "claude",
			DisplayName: "Claude Sonnet 4.5",
		},
		{
			ID:                  "gemini-2.5-pro",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "github",
			Type:                "gemini",
			DisplayName:         "Gemini 2.5 Pro",
			ContextLength:       128000,
			MaxCompletionTokens: 64000,
		},
	}
}

// GetIFlowModels returns the models served through iFlow.
func GetIFlowModels() []*ModelInfo {
	ids := []struct {
		id   string
		name string
	}{
		{"glm-4.6", "GLM 4.6"},
		{"qwen3-coder-plus", "Qwen3 Coder Plus"},
		{"qwen3-max", "Qwen3 Max"},
		{"deepseek-v3.2", "DeepSeek V3.2"},
		{"deepseek-r1", "DeepSeek R1"},
		{"qwen3-vl-plus", "Qwen3 VL Plus"},
		{"kimi-k2", "Kimi K2"},
		{"kimi-k2-0905", "Kimi K2 0905"},
	}
	models := make([]*ModelInfo, 0, len(ids))
	for _, entry := range ids {
		models = append(models, &ModelInfo{
			ID:          entry.id,
			Object:      "model",
			Created:     time.Now().Unix(),
			OwnedBy:     "iflow",
			Type:        "openai",
			DisplayName: entry.name,
		})
	}
	return models
}

// GetGeminiCLIModels returns the models served through Gemini CLI Code Assist.
func GetGeminiCLIModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:                  "gemini-2.5-pro",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "google",
			Type:                "gemini",
			Version:             "2.5",
			DisplayName:         "Gemini 2.5 Pro",
			Description:         "Stable release (June 17th, 2025) of Gemini 2.5 Pro",
			ContextLength:       1048576,
			MaxCompletionTokens: 65536,
		},
		{
			ID:                  "gemini-2.5-flash",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "google",
			Type:                "gemini",
			Version:             "001",
			DisplayName:         "Gemini 2.5 Flash",
			Description:         "Stable version of Gemini 2.5 Flash, our mid-size multimodal model that supports up to 1 million tokens, released in June of 2025.",
			ContextLength:       1048576,
			MaxCompletionTokens: 65536,
		},
		{
			ID:                  "gemini-2.5-flash-lite",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "google",
			Type:                "gemini",
			Version:             "2.5",
			DisplayName:         "Gemini 2.5 Flash Lite",
			Description:         "Our smallest and most cost effective model, built for at scale usage.",
			ContextLength:       1048576,
			MaxCompletionTokens: 65536,
		},
	}
}

// GetQwenModels returns the models served through Qwen Code.
func GetQwenModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:                  "qwen3-coder-plus",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "qwen",
			Type:                "qwen",
			Version:             "3.0",
			DisplayName:         "Qwen3 Coder Plus",
			Description:         "Advanced code generation and understanding model",
			ContextLength:       1048576,
			MaxCompletionTokens: 65536,
		},
		{
			ID:                  "qwen3-coder-flash",
			Object:              "model",
			Created:             time.Now().Unix(),
			OwnedBy:             "qwen",
			Type:                "qwen",
			Version:             "3.0",
			DisplayName:         "Qwen3 Coder Flash",
			Description:         "Fast code generation model",
			ContextLength:       1048576,
			MaxCompletionTokens: 65536,
		},
	}
}

// GetKiroModels returns the models served through Kiro.
func GetKiroModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:          "claude-sonnet-4-5",
			Object:      "model",
			Created:     1759104000, // 2025-09-29
			OwnedBy:     "anthropic",
			Type:        "claude",
			DisplayName: "Claude Sonnet 4.5",
		},
		{
			ID:          "claude-sonnet-4-20250514",
			Object:      "model",
			Created:     1715644800, // 2025-05-14
			OwnedBy:     "anthropic",
			Type:        "claude",
			DisplayName: "Claude 4 Sonnet",
		},
		{
			ID:          "claude-3-7-sonnet-20250219",
			Object:      "model",
			Created:     1708300800, // 2025-02-19
			OwnedBy:     "anthropic",
			Type:        "claude",
			DisplayName: "Claude 3.7 Sonnet",
		},
	}
}

// GetNvidiaNIMModels returns a default catalog for Nvidia NIM accounts.
func GetNvidiaNIMModels() []*ModelInfo {
	ids := []struct {
		id   string
		name string
	}{
		{"moonshotai/kimi-k2-instruct", "Kimi K2 Instruct"},
		{"deepseek-ai/deepseek-v3.1", "DeepSeek V3.1"},
		{"qwen/qwen3-coder-480b-a35b-instruct", "Qwen3 Coder 480B"},
		{"meta/llama-3.3-70b-instruct", "Llama 3.3 70B Instruct"},
		{"nvidia/llama-3.3-nemotron-super-49b-v1", "Nemotron Super 49B"},
	}
	models := make([]*ModelInfo, 0, len(ids))
	for _, entry := range ids {
		models = append(models, &ModelInfo{
			ID:          entry.id,
			Object:      "model",
			Created:     time.Now().Unix(),
			OwnedBy:     "nvidia",
			Type:        "openai",
			DisplayName: entry.name,
		})
	}
	return models
}

// GetOllamaCloudModels returns a default catalog for Ollama Cloud accounts.
func GetOllamaCloudModels() []*ModelInfo {
	ids := []struct {
		id   string
		name string
	}{
		{"gpt-oss:120b", "GPT-OSS 120B"},
		{"gpt-oss:20b", "GPT-OSS 20B"},
		{"deepseek-v3.1:671b", "DeepSeek V3.1 671B"},
		{"qwen3-coder:480b", "Qwen3 Coder 480B"},
	}
	models := make([]*ModelInfo, 0, len(ids))
	for _, entry := range ids {
		models = append(models, &ModelInfo{
			ID:          entry.id,
			Object:      "model",
			Created:     time.Now().Unix(),
			OwnedBy:     "ollama",
			Type:        "openai",
			DisplayName: entry.name,
		})
	}
	return models
}

// GetOpenRouterModels returns a default catalog for OpenRouter accounts.
// Any other OpenRouter ID is reachable with an explicit "openrouter/" prefix.
func GetOpenRouterModels() []*ModelInfo {
	ids := []struct {
		id   string
		name string
	}{
		{"anthropic/claude-sonnet-4.5", "Claude Sonnet 4.5"},
		{"openai/gpt-5", "GPT 5"},
		{"google/gemini-2.5-pro", "Gemini 2.5 Pro"},
		{"deepseek/deepseek-chat-v3.1", "DeepSeek Chat V3.1"},
		{"meta-llama/llama-3.3-70b-instruct", "Llama 3.3 70B Instruct"},
	}
	models := make([]*ModelInfo, 0, len(ids))
	for _, entry := range ids {
		models = append(models, &ModelInfo{
			ID:          entry.id,
			Object:      "model",
			Created:     time.Now().Unix(),
			OwnedBy:     "openrouter",
			Type:        "openai",
			DisplayName: entry.name,
		})
	}
	return models
}

// ModelsForProvider returns the default catalog for a canonical provider name.
func ModelsForProvider(provider string) []*ModelInfo {
	switch constant.CanonicalProvider(provider) {
	case constant.Antigravity:
		return GetAntigravityModels()
	case constant.Codex:
		return GetCodexModels()
	case constant.Copilot:
		return GetCopilotModels()
	case constant.IFlow:
		return GetIFlowModels()
	case constant.GeminiCLI:
		return GetGeminiCLIModels()
	case constant.QwenCode:
		return GetQwenModels()
	case constant.Kiro:
		return GetKiroModels()
	case constant.NvidiaNIM:
		return GetNvidiaNIMModels()
	case constant.OllamaCloud:
		return GetOllamaCloudModels()
	case constant.OpenRouter:
		return GetOpenRouterModels()
	default:
		return nil
	}
}
