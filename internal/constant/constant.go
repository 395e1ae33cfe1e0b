// Package constant defines the provider and wire-format identifiers used
// throughout AgentGate. Provider names form a closed set; the registry
// normalises known aliases onto it.
package constant

const (
	// Antigravity represents the Google Antigravity (Code Assist) provider identifier.
	Antigravity = "antigravity"

	// Codex represents the ChatGPT Codex provider identifier.
	Codex = "codex"

	// Copilot represents the GitHub Copilot provider identifier.
	Copilot = "copilot"

	// IFlow represents the iFlow provider identifier.
	IFlow = "iflow"

	// GeminiCLI represents the Gemini CLI (Code Assist) provider identifier.
	GeminiCLI = "gemini_cli"

	// QwenCode represents the Qwen Code provider identifier.
	QwenCode = "qwen_code"

	// Kiro represents the Kiro (CodeWhisperer) provider identifier.
	Kiro = "kiro"

	// NvidiaNIM represents the Nvidia NIM provider identifier.
	NvidiaNIM = "nvidia_nim"

	// OllamaCloud represents the Ollama Cloud provider identifier.
	OllamaCloud = "ollama_cloud"

	// OpenRouter represents the OpenRouter provider identifier.
	OpenRouter = "openrouter"
)

const (
	// OpenAI identifies the OpenAI chat.completions wire format.
	OpenAI = "openai"

	// OpenAIResponse identifies the OpenAI Responses API wire format.
	OpenAIResponse = "openai-response"

	// GeminiCodeAssist identifies the Google Code Assist v1internal wire format.
	GeminiCodeAssist = "gemini-code-assist"

	// ClaudeMessages identifies the Anthropic messages wire format.
	ClaudeMessages = "claude-messages"
)

// providerAliases maps accepted spellings onto canonical provider names.
var providerAliases = map[string]string{
	"github-copilot": Copilot,
	"github_copilot": Copilot,
}

// CanonicalProvider resolves an alias to its canonical provider name.
// Unknown names are returned unchanged.
func CanonicalProvider(name string) string {
	if canonical, ok := providerAliases[name]; ok {
		return canonical
	}
	return name
}

// Providers returns the closed set of canonical provider names.
func Providers() []string {
	return []string{
		Antigravity,
		Codex,
		Copilot,
		IFlow,
		GeminiCLI,
		QwenCode,
		Kiro,
		NvidiaNIM,
		OllamaCloud,
		OpenRouter,
	}
}

// IsProvider reports whether name is one of the canonical provider names.
func IsProvider(name string) bool {
	switch name {
	case Antigravity, Codex, Copilot, IFlow, GeminiCLI, QwenCode, Kiro, NvidiaNIM, OllamaCloud, OpenRouter:
		return true
	}
	return false
}
