// Package misc provides small shared helpers that do not fit a more
// specific domain package: header defaulting, OAuth state generation,
// credential logging and media type lookup.
package misc

// DefaultCodexInstructions is injected as the Responses API instructions
// field when an inbound request carries no system or developer message.
// The upstream rejects instruction-less requests from CLI sessions.
const DefaultCodexInstructions = "You are Codex, an expert coding assistant."

// CodexInstructions returns the instruction preamble for a Codex model.
// All current models share the default preamble.
func CodexInstructions(string) string {
	return DefaultCodexInstructions
}
