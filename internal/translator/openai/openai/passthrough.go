// Package openai is the identity direction for chat completions against
// chat-completions upstreams. The request only needs the routed model name
// stamped in; responses flow through untouched.
package openai

import (
	"bytes"
	"context"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertOpenAIRequestToOpenAI rewrites the model to the upstream name and
// pins the stream flag the executor decided on.
func ConvertOpenAIRequestToOpenAI(modelName string, inputRawJSON []byte, stream bool) []byte {
	out := bytes.Clone(inputRawJSON)
	out, _ = sjson.SetBytes(out, "model", modelName)
	out, _ = sjson.SetBytes(out, "stream", stream)
	return out
}

// ConvertOpenAIResponseToOpenAI forwards upstream chunks verbatim. The
// terminator is dropped here; the serving layer writes its own.
func ConvertOpenAIResponseToOpenAI(_ context.Context, _ string, _, _, rawJSON []byte, _ *any) []string {
	line := bytes.TrimSpace(rawJSON)
	if bytes.Equal(line, []byte("[DONE]")) {
		return nil
	}
	line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return nil
	}
	return []string{string(line)}
}

// ConvertOpenAIResponseToOpenAINonStream forwards a buffered completion
// verbatim.
func ConvertOpenAIResponseToOpenAINonStream(_ context.Context, _ string, _, _, rawJSON []byte, _ *any) string {
	return string(rawJSON)
}

// ConvertOpenAITokenCountToOpenAI reports an estimated prompt size.
func ConvertOpenAITokenCountToOpenAI(_ context.Context, count int64) string {
	return `{"object":"token_count","input_tokens":` + strconv.FormatInt(count, 10) + `}`
}
