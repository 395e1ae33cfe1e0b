// Package claude bridges Anthropic Messages traffic onto the Responses API
// by composing the two adjacent converters. Requests run Messages to chat
// completions to Responses; responses replay Responses events as chat chunks
// and feed them through the chunk-to-Messages state machine. Composing keeps
// the tool-cycle and reasoning semantics identical to the direct routes.
package claude

import (
	"bytes"
	"context"

	openaiclaude "github.com/agentgate-dev/agentgate/internal/translator/openai/claude"
	responsesopenai "github.com/agentgate-dev/agentgate/internal/translator/responses/openai"
)

var doneTag = []byte("[DONE]")

// ConvertClaudeRequestToResponses converts an Anthropic Messages request into
// a Responses API request.
func ConvertClaudeRequestToResponses(modelName string, inputRawJSON []byte, stream bool) []byte {
	chat := openaiclaude.ConvertClaudeRequestToOpenAI(modelName, inputRawJSON, stream)
	return responsesopenai.ConvertOpenAIRequestToResponses(modelName, chat, stream)
}

type chainState struct {
	chunkParam any
	eventParam any
}

// ConvertResponsesResponseToClaude converts one Responses API SSE line into
// Anthropic Messages stream events.
func ConvertResponsesResponseToClaude(ctx context.Context, model string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = &chainState{}
	}
	state := (*param).(*chainState)

	var events []string
	for _, chunk := range responsesopenai.ConvertResponsesResponseToOpenAI(ctx, model, originalRequestRawJSON, requestRawJSON, rawJSON, &state.chunkParam) {
		line := append([]byte("data: "), chunk...)
		events = append(events, openaiclaude.ConvertOpenAIResponseToClaude(ctx, model, originalRequestRawJSON, requestRawJSON, line, &state.eventParam)...)
	}
	if bytes.Equal(bytes.TrimSpace(rawJSON), doneTag) {
		events = append(events, openaiclaude.ConvertOpenAIResponseToClaude(ctx, model, originalRequestRawJSON, requestRawJSON, doneTag, &state.eventParam)...)
	}
	return events
}

// ConvertResponsesResponseToClaudeNonStream converts a complete Responses
// object into an Anthropic message object.
func ConvertResponsesResponseToClaudeNonStream(ctx context.Context, model string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string {
	chat := responsesopenai.ConvertResponsesResponseToOpenAINonStream(ctx, model, originalRequestRawJSON, requestRawJSON, rawJSON, param)
	return openaiclaude.ConvertOpenAIResponseToClaudeNonStream(ctx, model, originalRequestRawJSON, requestRawJSON, []byte(chat), param)
}

// ConvertResponsesTokenCountToClaude reports an estimated prompt size in the
// count_tokens response shape.
func ConvertResponsesTokenCountToClaude(ctx context.Context, count int64) string {
	return openaiclaude.ConvertOpenAITokenCountToClaude(ctx, count)
}
