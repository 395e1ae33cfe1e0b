package openai

import (
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
)

func init() {
	sdktranslator.Register(
		sdktranslator.FormatOpenAI,
		sdktranslator.FormatGeminiCodeAssist,
		ConvertOpenAIRequestToGemini,
		sdktranslator.ResponseTransform{
			Stream:     ConvertGeminiResponseToOpenAI,
			NonStream:  ConvertGeminiResponseToOpenAINonStream,
			TokenCount: ConvertGeminiTokenCountToOpenAI,
		},
	)
}
