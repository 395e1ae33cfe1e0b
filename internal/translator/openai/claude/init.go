package claude

import (
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
)

func init() {
	sdktranslator.Register(
		sdktranslator.FormatClaudeMessages,
		sdktranslator.FormatOpenAI,
		ConvertClaudeRequestToOpenAI,
		sdktranslator.ResponseTransform{
			Stream:     ConvertOpenAIResponseToClaude,
			NonStream:  ConvertOpenAIResponseToClaudeNonStream,
			TokenCount: ConvertOpenAITokenCountToClaude,
		},
	)
}
