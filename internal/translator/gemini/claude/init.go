package claude

import (
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
)

func init() {
	sdktranslator.Register(
		sdktranslator.FormatClaudeMessages,
		sdktranslator.FormatGeminiCodeAssist,
		ConvertClaudeRequestToGemini,
		sdktranslator.ResponseTransform{
			Stream:     ConvertGeminiResponseToClaude,
			NonStream:  ConvertGeminiResponseToClaudeNonStream,
			TokenCount: ConvertGeminiTokenCountToClaude,
		},
	)
}
