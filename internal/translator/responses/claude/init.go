package claude

import (
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
)

func init() {
	sdktranslator.Register(
		sdktranslator.FormatClaudeMessages,
		sdktranslator.FormatOpenAIResponses,
		ConvertClaudeRequestToResponses,
		sdktranslator.ResponseTransform{
			Stream:     ConvertResponsesResponseToClaude,
			NonStream:  ConvertResponsesResponseToClaudeNonStream,
			TokenCount: ConvertResponsesTokenCountToClaude,
		},
	)
}
