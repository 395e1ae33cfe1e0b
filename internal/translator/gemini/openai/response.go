package openai

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/agentgate-dev/agentgate/internal/ratelimit"
	"github.com/agentgate-dev/agentgate/internal/signature"
	"github.com/agentgate-dev/agentgate/internal/toolargs"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const chunkTemplate = `{"id":"","object":"chat.completion.chunk","created":12345,"model":"model","choices":[{"index":0,"delta":{"role":null,"content":null,"reasoning_content":null,"tool_calls":null},"finish_reason":null,"native_finish_reason":null}]}`

const completionTemplate = `{"id":"","object":"chat.completion","created":12345,"model":"model","choices":[{"index":0,"message":{"role":"assistant","content":null,"reasoning_content":null,"tool_calls":null},"finish_reason":null,"native_finish_reason":null}]}`

type streamState struct {
	completionID     string
	created          int64
	roleSent         bool
	toolCallIndex    int
	hasToolCalls     bool
	usage            []byte
	schemas          toolargs.SchemaMap
	sessionID        string
	family           string
	includeReasoning bool
}

func newStreamState(model string, originalRequestRawJSON []byte) *streamState {
	return &streamState{
		completionID:     "chatcmpl-" + uuid.NewString(),
		created:          time.Now().Unix(),
		schemas:          toolargs.Capture(originalRequestRawJSON),
		sessionID:        SessionID(originalRequestRawJSON),
		family:           ratelimit.Family(model),
		includeReasoning: reasoningRequested(originalRequestRawJSON),
	}
}

// reasoningRequested reports whether the caller asked for reasoning
// output. Requests without a reasoning directive get plain completions
// even when the upstream model emits thought parts.
func reasoningRequested(rawJSON []byte) bool {
	_, include, directed := thinkingDirective(rawJSON)
	return directed && include
}

// ConvertGeminiResponseToOpenAI converts one Code Assist SSE line into
// OpenAI chat.completion.chunk frames. Callers feed whole "data:" lines
// plus the literal [DONE] terminator; per-stream state rides in param.
func ConvertGeminiResponseToOpenAI(_ context.Context, model string, originalRequestRawJSON, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = newStreamState(model, originalRequestRawJSON)
	}
	state := (*param).(*streamState)

	line := bytes.TrimSpace(rawJSON)
	if bytes.Equal(line, []byte("[DONE]")) {
		if chunk := usageChunk(state, model); chunk != "" {
			return []string{chunk}
		}
		return nil
	}
	line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return nil
	}
	root := gjson.ParseBytes(line)
	if wrapped := root.Get("response"); wrapped.Exists() {
		root = wrapped
	}

	if um := root.Get("usageMetadata"); um.Exists() {
		state.usage = []byte(um.Raw)
	}

	template, _ := sjson.Set(chunkTemplate, "id", state.completionID)
	created := state.created
	if ct := root.Get("createTime"); ct.Exists() {
		if t, err := time.Parse(time.RFC3339Nano, ct.String()); err == nil {
			created = t.Unix()
		}
	}
	template, _ = sjson.Set(template, "created", created)
	modelName := model
	if mv := root.Get("modelVersion"); mv.Exists() {
		modelName = mv.String()
	}
	template, _ = sjson.Set(template, "model", modelName)

	emitted := false
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text := part.Get("text")
		fc := part.Get("functionCall")
		switch {
		case text.Exists():
			if part.Get("thought").Bool() {
				if sig := part.Get("thoughtSignature").String(); sig != "" {
					signature.Default().Put(state.family, state.sessionID, text.String(), sig)
				}
				if !state.includeReasoning {
					return true
				}
				template, _ = sjson.Set(template, "choices.0.delta.reasoning_content", text.String())
			} else {
				template, _ = sjson.Set(template, "choices.0.delta.content", text.String())
			}
			emitted = true
		case fc.Exists():
			if !gjson.Get(template, "choices.0.delta.tool_calls").IsArray() {
				template, _ = sjson.SetRaw(template, "choices.0.delta.tool_calls", `[]`)
			}
			entry := toolCallEntry(state, fc)
			entry, _ = sjson.Set(entry, "index", state.toolCallIndex)
			template, _ = sjson.SetRaw(template, "choices.0.delta.tool_calls.-1", entry)
			state.toolCallIndex++
			state.hasToolCalls = true
			emitted = true
		}
		return true
	})

	if fr := root.Get("candidates.0.finishReason"); fr.Exists() {
		template, _ = sjson.Set(template, "choices.0.finish_reason", mapFinishReason(fr.String(), state.hasToolCalls))
		template, _ = sjson.Set(template, "choices.0.native_finish_reason", fr.String())
		emitted = true
	}

	if !emitted {
		return nil
	}
	if !state.roleSent {
		template, _ = sjson.Set(template, "choices.0.delta.role", "assistant")
		state.roleSent = true
	}
	return []string{template}
}

// ConvertGeminiResponseToOpenAINonStream converts a buffered generateContent
// body into a chat.completion response.
func ConvertGeminiResponseToOpenAINonStream(_ context.Context, model string, originalRequestRawJSON, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)
	if wrapped := root.Get("response"); wrapped.Exists() {
		root = wrapped
	}
	schemas := toolargs.Capture(originalRequestRawJSON)
	sessionID := SessionID(originalRequestRawJSON)
	family := ratelimit.Family(model)

	template, _ := sjson.Set(completionTemplate, "id", "chatcmpl-"+uuid.NewString())
	created := time.Now().Unix()
	if ct := root.Get("createTime"); ct.Exists() {
		if t, err := time.Parse(time.RFC3339Nano, ct.String()); err == nil {
			created = t.Unix()
		}
	}
	template, _ = sjson.Set(template, "created", created)
	modelName := model
	if mv := root.Get("modelVersion"); mv.Exists() {
		modelName = mv.String()
	}
	template, _ = sjson.Set(template, "model", modelName)
	if rid := root.Get("responseId"); rid.Exists() {
		template, _ = sjson.Set(template, "id", "chatcmpl-"+rid.String())
	}

	var content, reasoning bytes.Buffer
	hasToolCalls := false
	includeReasoning := reasoningRequested(originalRequestRawJSON)
	state := &streamState{schemas: schemas, sessionID: sessionID, family: family}
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text := part.Get("text")
		fc := part.Get("functionCall")
		switch {
		case text.Exists():
			if part.Get("thought").Bool() {
				if sig := part.Get("thoughtSignature").String(); sig != "" {
					signature.Default().Put(family, sessionID, text.String(), sig)
				}
				if includeReasoning {
					reasoning.WriteString(text.String())
				}
			} else {
				content.WriteString(text.String())
			}
		case fc.Exists():
			if !gjson.Get(template, "choices.0.message.tool_calls").IsArray() {
				template, _ = sjson.SetRaw(template, "choices.0.message.tool_calls", `[]`)
			}
			template, _ = sjson.SetRaw(template, "choices.0.message.tool_calls.-1", toolCallEntry(state, fc))
			hasToolCalls = true
		}
		return true
	})
	if content.Len() > 0 {
		template, _ = sjson.Set(template, "choices.0.message.content", content.String())
	}
	if reasoning.Len() > 0 {
		template, _ = sjson.Set(template, "choices.0.message.reasoning_content", reasoning.String())
	} else {
		template, _ = sjson.Delete(template, "choices.0.message.reasoning_content")
	}

	if fr := root.Get("candidates.0.finishReason"); fr.Exists() {
		template, _ = sjson.Set(template, "choices.0.finish_reason", mapFinishReason(fr.String(), hasToolCalls))
		template, _ = sjson.Set(template, "choices.0.native_finish_reason", fr.String())
	}
	if um := root.Get("usageMetadata"); um.Exists() {
		template = setUsage(template, []byte(um.Raw))
	}
	return template
}

// ConvertGeminiTokenCountToOpenAI renders a countTokens result for chat
// completion clients.
func ConvertGeminiTokenCountToOpenAI(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"object":"token_count","input_tokens":0}`, "input_tokens", count)
	return out
}

// toolCallEntry renders one OpenAI tool_calls element from a functionCall
// part, normalising argument types against the declared schema.
func toolCallEntry(state *streamState, fc gjson.Result) string {
	name := fc.Get("name").String()
	entry := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
	id := fc.Get("id").String()
	if id == "" {
		id = name + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	entry, _ = sjson.Set(entry, "id", id)
	entry, _ = sjson.Set(entry, "function.name", name)
	args := []byte(`{}`)
	if a := fc.Get("args"); a.Exists() {
		args = []byte(a.Raw)
	}
	entry, _ = sjson.Set(entry, "function.arguments", string(state.schemas.NormalizeArgs(name, args)))
	return entry
}

func mapFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return "content_filter"
	default:
		return "stop"
	}
}

// usageChunk renders the trailing usage frame emitted when the upstream
// stream terminates.
func usageChunk(state *streamState, model string) string {
	if state.usage == nil {
		return ""
	}
	template := `{"id":"","object":"chat.completion.chunk","created":12345,"model":"model","choices":[]}`
	template, _ = sjson.Set(template, "id", state.completionID)
	template, _ = sjson.Set(template, "created", state.created)
	template, _ = sjson.Set(template, "model", model)
	return setUsage(template, state.usage)
}

func setUsage(template string, usageRaw []byte) string {
	usage := gjson.ParseBytes(usageRaw)
	promptTokens := usage.Get("promptTokenCount").Int()
	thoughtsTokens := usage.Get("thoughtsTokenCount").Int()
	template, _ = sjson.Set(template, "usage.prompt_tokens", promptTokens+thoughtsTokens)
	template, _ = sjson.Set(template, "usage.completion_tokens", usage.Get("candidatesTokenCount").Int())
	template, _ = sjson.Set(template, "usage.total_tokens", usage.Get("totalTokenCount").Int())
	if thoughtsTokens > 0 {
		template, _ = sjson.Set(template, "usage.completion_tokens_details.reasoning_tokens", thoughtsTokens)
	}
	return template
}
