package openai

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/agentgate-dev/agentgate/internal/toolargs"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const chunkTemplate = `{"id":"","object":"chat.completion.chunk","created":12345,"model":"model","choices":[{"index":0,"delta":{"role":null,"content":null,"reasoning_content":null,"tool_calls":null},"finish_reason":null,"native_finish_reason":null}]}`

const completionTemplate = `{"id":"","object":"chat.completion","created":12345,"model":"model","choices":[{"index":0,"message":{"role":"assistant","content":null,"reasoning_content":null,"tool_calls":null},"finish_reason":null,"native_finish_reason":null}]}`

type streamState struct {
	completionID  string
	created       int64
	model         string
	roleSent      bool
	toolCallIndex int
	indexByItem   map[string]int
	finishSent    bool
}

func newStreamState(model string) *streamState {
	return &streamState{
		completionID: "chatcmpl-" + uuid.NewString(),
		created:      time.Now().Unix(),
		model:        model,
		indexByItem:  make(map[string]int),
	}
}

// ConvertResponsesResponseToOpenAI converts one Responses API SSE line into
// OpenAI chat.completion.chunk frames. Callers feed whole "data:" lines plus
// the literal [DONE] terminator; per-stream state rides in param.
//
// Tool calls open on response.output_item.added and grow through
// response.function_call_arguments.delta fragments, mirroring how chat
// completions stream partial arguments.
func ConvertResponsesResponseToOpenAI(_ context.Context, model string, _, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = newStreamState(model)
	}
	state := (*param).(*streamState)

	line := bytes.TrimSpace(rawJSON)
	if bytes.Equal(line, []byte("[DONE]")) {
		return nil
	}
	line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return nil
	}
	root := gjson.ParseBytes(line)

	switch root.Get("type").String() {
	case "response.created":
		if id := root.Get("response.id"); id.Exists() && id.String() != "" {
			state.completionID = "chatcmpl-" + id.String()
		}
		if createdAt := root.Get("response.created_at"); createdAt.Exists() {
			state.created = createdAt.Int()
		}
		if responseModel := root.Get("response.model"); responseModel.Exists() && responseModel.String() != "" {
			state.model = responseModel.String()
		}
		return nil
	case "response.output_text.delta":
		return []string{deltaChunk(state, "delta.content", root.Get("delta").String())}
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return []string{deltaChunk(state, "delta.reasoning_content", root.Get("delta").String())}
	case "response.reasoning_summary_text.done":
		return []string{deltaChunk(state, "delta.reasoning_content", "\n\n")}
	case "response.output_item.added":
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil
		}
		return []string{toolCallOpenChunk(state, item)}
	case "response.function_call_arguments.delta":
		index, ok := state.indexByItem[root.Get("item_id").String()]
		if !ok {
			return nil
		}
		return []string{toolCallArgsChunk(state, index, root.Get("delta").String())}
	case "response.output_item.done":
		item := root.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil
		}
		// Some upstreams skip the added/delta events and only report the
		// finished item. Emit the whole call in that case.
		if _, seen := state.indexByItem[itemKey(item)]; seen {
			return nil
		}
		chunk := toolCallOpenChunk(state, item)
		index := state.indexByItem[itemKey(item)]
		return []string{chunk, toolCallArgsChunk(state, index, item.Get("arguments").String())}
	case "response.completed", "response.failed", "response.incomplete":
		if state.finishSent {
			return nil
		}
		return []string{finishChunk(state, root.Get("response"))}
	}
	return nil
}

func itemKey(item gjson.Result) string {
	if id := item.Get("id").String(); id != "" {
		return id
	}
	return item.Get("call_id").String()
}

func baseChunk(state *streamState) []byte {
	chunk, _ := sjson.SetBytes([]byte(chunkTemplate), "id", state.completionID)
	chunk, _ = sjson.SetBytes(chunk, "created", state.created)
	chunk, _ = sjson.SetBytes(chunk, "model", state.model)
	if !state.roleSent {
		chunk, _ = sjson.SetBytes(chunk, "choices.0.delta.role", "assistant")
		state.roleSent = true
	}
	return chunk
}

func deltaChunk(state *streamState, path, text string) string {
	chunk := baseChunk(state)
	chunk, _ = sjson.SetBytes(chunk, "choices.0."+path, text)
	return string(chunk)
}

func toolCallOpenChunk(state *streamState, item gjson.Result) string {
	chunk := baseChunk(state)
	entry := []byte(`{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`)
	entry, _ = sjson.SetBytes(entry, "index", state.toolCallIndex)
	entry, _ = sjson.SetBytes(entry, "id", item.Get("call_id").String())
	entry, _ = sjson.SetBytes(entry, "function.name", item.Get("name").String())
	chunk, _ = sjson.SetRawBytes(chunk, "choices.0.delta.tool_calls.-1", entry)
	state.indexByItem[itemKey(item)] = state.toolCallIndex
	state.toolCallIndex++
	return string(chunk)
}

func toolCallArgsChunk(state *streamState, index int, fragment string) string {
	chunk := baseChunk(state)
	entry := []byte(`{"index":0,"function":{"arguments":""}}`)
	entry, _ = sjson.SetBytes(entry, "index", index)
	entry, _ = sjson.SetBytes(entry, "function.arguments", fragment)
	chunk, _ = sjson.SetRawBytes(chunk, "choices.0.delta.tool_calls.-1", entry)
	return string(chunk)
}

func finishChunk(state *streamState, response gjson.Result) string {
	chunk := baseChunk(state)
	status := response.Get("status").String()
	reason := "stop"
	switch {
	case status == "incomplete":
		reason = "length"
	case state.toolCallIndex > 0:
		reason = "tool_calls"
	}
	chunk, _ = sjson.SetBytes(chunk, "choices.0.finish_reason", reason)
	chunk, _ = sjson.SetBytes(chunk, "choices.0.native_finish_reason", status)
	if usage := response.Get("usage"); usage.Exists() {
		chunk = setUsage(chunk, usage)
	}
	state.finishSent = true
	return string(chunk)
}

func setUsage(out []byte, usage gjson.Result) []byte {
	out, _ = sjson.SetBytes(out, "usage.prompt_tokens", usage.Get("input_tokens").Int())
	out, _ = sjson.SetBytes(out, "usage.completion_tokens", usage.Get("output_tokens").Int())
	out, _ = sjson.SetBytes(out, "usage.total_tokens", usage.Get("total_tokens").Int())
	if reasoning := usage.Get("output_tokens_details.reasoning_tokens"); reasoning.Exists() && reasoning.Int() > 0 {
		out, _ = sjson.SetBytes(out, "usage.completion_tokens_details.reasoning_tokens", reasoning.Int())
	}
	if cached := usage.Get("input_tokens_details.cached_tokens"); cached.Exists() && cached.Int() > 0 {
		out, _ = sjson.SetBytes(out, "usage.prompt_tokens_details.cached_tokens", cached.Int())
	}
	return out
}

// ConvertResponsesResponseToOpenAINonStream converts a complete Responses
// object, as delivered by the response.completed event, into a single
// chat.completion payload.
func ConvertResponsesResponseToOpenAINonStream(_ context.Context, model string, originalRequestRawJSON, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)
	if wrapped := root.Get("response"); wrapped.Exists() {
		root = wrapped
	}
	schemas := toolargs.Capture(originalRequestRawJSON)

	out := []byte(completionTemplate)
	id := root.Get("id").String()
	if id == "" {
		id = uuid.NewString()
	}
	out, _ = sjson.SetBytes(out, "id", "chatcmpl-"+id)
	created := root.Get("created_at").Int()
	if created == 0 {
		created = time.Now().Unix()
	}
	out, _ = sjson.SetBytes(out, "created", created)
	responseModel := root.Get("model").String()
	if responseModel == "" {
		responseModel = model
	}
	out, _ = sjson.SetBytes(out, "model", responseModel)

	var content, reasoning bytes.Buffer
	hasToolCalls := false
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					content.WriteString(part.Get("text").String())
				}
				return true
			})
		case "reasoning":
			item.Get("summary").ForEach(func(_, part gjson.Result) bool {
				if reasoning.Len() > 0 {
					reasoning.WriteString("\n\n")
				}
				reasoning.WriteString(part.Get("text").String())
				return true
			})
		case "function_call":
			entry := []byte(`{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}`)
			entry, _ = sjson.SetBytes(entry, "id", item.Get("call_id").String())
			name := item.Get("name").String()
			entry, _ = sjson.SetBytes(entry, "function.name", name)
			args := schemas.NormalizeArgs(name, []byte(item.Get("arguments").String()))
			entry, _ = sjson.SetBytes(entry, "function.arguments", string(args))
			out, _ = sjson.SetRawBytes(out, "choices.0.message.tool_calls.-1", entry)
			hasToolCalls = true
		}
		return true
	})

	if content.Len() > 0 {
		out, _ = sjson.SetBytes(out, "choices.0.message.content", content.String())
	}
	if reasoning.Len() > 0 {
		out, _ = sjson.SetBytes(out, "choices.0.message.reasoning_content", reasoning.String())
	}
	status := root.Get("status").String()
	switch {
	case status == "incomplete":
		out, _ = sjson.SetBytes(out, "choices.0.finish_reason", "length")
	case hasToolCalls:
		out, _ = sjson.SetBytes(out, "choices.0.finish_reason", "tool_calls")
	default:
		out, _ = sjson.SetBytes(out, "choices.0.finish_reason", "stop")
	}
	out, _ = sjson.SetBytes(out, "choices.0.native_finish_reason", status)
	if usage := root.Get("usage"); usage.Exists() {
		out = setUsage(out, usage)
	}
	return string(out)
}

// ConvertResponsesTokenCountToOpenAI reports an estimated prompt size.
func ConvertResponsesTokenCountToOpenAI(_ context.Context, count int64) string {
	out := `{"object":"token_count","input_tokens":` + strconv.FormatInt(count, 10) + `}`
	return out
}
