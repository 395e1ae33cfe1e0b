package openai

import (
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
)

func init() {
	sdktranslator.Register(
		sdktranslator.FormatOpenAI,
		sdktranslator.FormatOpenAIResponses,
		ConvertOpenAIRequestToResponses,
		sdktranslator.ResponseTransform{
			Stream:     ConvertResponsesResponseToOpenAI,
			NonStream:  ConvertResponsesResponseToOpenAINonStream,
			TokenCount: ConvertResponsesTokenCountToOpenAI,
		},
	)
}
