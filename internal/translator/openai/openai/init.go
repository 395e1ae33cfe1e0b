package openai

import (
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
)

func init() {
	sdktranslator.Register(
		sdktranslator.FormatOpenAI,
		sdktranslator.FormatOpenAI,
		ConvertOpenAIRequestToOpenAI,
		sdktranslator.ResponseTransform{
			Stream:     ConvertOpenAIResponseToOpenAI,
			NonStream:  ConvertOpenAIResponseToOpenAINonStream,
			TokenCount: ConvertOpenAITokenCountToOpenAI,
		},
	)
}
