package claude

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/agentgate-dev/agentgate/internal/toolargs"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Block kinds tracked by the streaming state machine.
const (
	blockNone = iota
	blockText
	blockThinking
	blockTool
)

type streamState struct {
	messageID    string
	started      bool
	blockKind    int
	blockIndex   int
	openaiIndex  int
	usedTool     bool
	finishReason string
	finishSent   bool
	usage        []byte
	schemas      toolargs.SchemaMap
}

func newStreamState(originalRequestRawJSON []byte) *streamState {
	return &streamState{
		messageID:   "msg_" + uuid.NewString(),
		openaiIndex: -1,
		schemas:     toolargs.Capture(originalRequestRawJSON),
	}
}

// ConvertOpenAIResponseToClaude converts one chat.completion.chunk SSE line
// into Anthropic Messages stream events. Each returned string is a standalone
// event payload whose type field names the SSE event.
//
// Tool-call argument fragments are forwarded as input_json_delta fragments;
// only arguments that arrive complete alongside the call name are
// re-serialised against the declared schema.
func ConvertOpenAIResponseToClaude(_ context.Context, model string, originalRequestRawJSON, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = newStreamState(originalRequestRawJSON)
	}
	state := (*param).(*streamState)

	line := bytes.TrimSpace(rawJSON)
	if bytes.Equal(line, []byte("[DONE]")) {
		var events []string
		if state.started && !state.finishSent {
			events = append(events, state.closeBlock()...)
			reason := state.finishReason
			if reason == "" {
				reason = "stop"
			}
			events = append(events, state.messageDelta(mapFinishReason(reason, state.usedTool)))
		}
		if state.started {
			events = append(events, `{"type":"message_stop"}`)
		}
		return events
	}
	line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return nil
	}
	root := gjson.ParseBytes(line)
	if root.Get("object").String() != "chat.completion.chunk" {
		return nil
	}

	if usage := root.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
		state.usage = []byte(usage.Raw)
	}

	var events []string
	if !state.started {
		if id := root.Get("id").String(); id != "" {
			state.messageID = "msg_" + strings.TrimPrefix(id, "chatcmpl-")
		}
		start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		start, _ = sjson.Set(start, "message.id", state.messageID)
		modelName := root.Get("model").String()
		if modelName == "" {
			modelName = model
		}
		start, _ = sjson.Set(start, "message.model", modelName)
		events = append(events, start)
		state.started = true
	}

	delta := root.Get("choices.0.delta")
	if reasoning := delta.Get("reasoning_content"); reasoning.Exists() && reasoning.String() != "" {
		if state.blockKind != blockThinking {
			events = append(events, state.closeBlock()...)
			events = append(events, state.openBlock(blockThinking, `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`))
		}
		event, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":""}}`, "delta.thinking", reasoning.String())
		event, _ = sjson.Set(event, "index", state.blockIndex)
		events = append(events, event)
	}
	if content := delta.Get("content"); content.Exists() && content.String() != "" {
		if state.blockKind != blockText {
			events = append(events, state.closeBlock()...)
			events = append(events, state.openBlock(blockText, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))
		}
		event, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`, "delta.text", content.String())
		event, _ = sjson.Set(event, "index", state.blockIndex)
		events = append(events, event)
	}
	delta.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		index := int(call.Get("index").Int())
		name := call.Get("function.name").String()
		if name != "" {
			events = append(events, state.closeBlock()...)
			id := call.Get("id").String()
			if id == "" {
				id = "toolu_" + strconv.FormatInt(time.Now().UnixNano(), 36)
			}
			start := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
			start, _ = sjson.Set(start, "content_block.id", id)
			start, _ = sjson.Set(start, "content_block.name", name)
			events = append(events, state.openBlock(blockTool, start))
			state.openaiIndex = index
			state.usedTool = true

			if args := call.Get("function.arguments").String(); args != "" {
				normalized := state.schemas.NormalizeArgs(name, []byte(args))
				event, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`, "delta.partial_json", string(normalized))
				event, _ = sjson.Set(event, "index", state.blockIndex)
				events = append(events, event)
			}
			return true
		}
		if state.blockKind != blockTool || state.openaiIndex != index {
			return true
		}
		if fragment := call.Get("function.arguments").String(); fragment != "" {
			event, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`, "delta.partial_json", fragment)
			event, _ = sjson.Set(event, "index", state.blockIndex)
			events = append(events, event)
		}
		return true
	})

	if finish := root.Get("choices.0.finish_reason"); finish.Exists() && finish.String() != "" {
		state.finishReason = finish.String()
		events = append(events, state.closeBlock()...)
	}
	if state.finishReason != "" && !state.finishSent && state.usage != nil {
		events = append(events, state.messageDelta(mapFinishReason(state.finishReason, state.usedTool)))
	}
	return events
}

func (s *streamState) openBlock(kind int, startEvent string) string {
	s.blockKind = kind
	out, _ := sjson.Set(startEvent, "index", s.blockIndex)
	return out
}

func (s *streamState) closeBlock() []string {
	if s.blockKind == blockNone {
		return nil
	}
	stop, _ := sjson.Set(`{"type":"content_block_stop","index":0}`, "index", s.blockIndex)
	s.blockKind = blockNone
	s.openaiIndex = -1
	s.blockIndex++
	return []string{stop}
}

func (s *streamState) messageDelta(reason string) string {
	s.finishSent = true
	out, _ := sjson.Set(`{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`, "delta.stop_reason", reason)
	if s.usage != nil {
		usage := gjson.ParseBytes(s.usage)
		out, _ = sjson.Set(out, "usage.input_tokens", usage.Get("prompt_tokens").Int())
		out, _ = sjson.Set(out, "usage.output_tokens", usage.Get("completion_tokens").Int())
	}
	return out
}

func mapFinishReason(reason string, usedTool bool) string {
	if usedTool {
		return "tool_use"
	}
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "refusal"
	default:
		return "end_turn"
	}
}

// ConvertOpenAIResponseToClaudeNonStream converts a buffered chat.completion
// body into an Anthropic message object.
func ConvertOpenAIResponseToClaudeNonStream(_ context.Context, model string, originalRequestRawJSON, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)
	schemas := toolargs.Capture(originalRequestRawJSON)

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	messageID := "msg_" + uuid.NewString()
	if id := root.Get("id").String(); id != "" {
		messageID = "msg_" + strings.TrimPrefix(id, "chatcmpl-")
	}
	out, _ = sjson.Set(out, "id", messageID)
	modelName := root.Get("model").String()
	if modelName == "" {
		modelName = model
	}
	out, _ = sjson.Set(out, "model", modelName)

	message := root.Get("choices.0.message")
	if reasoning := message.Get("reasoning_content"); reasoning.Exists() && reasoning.String() != "" {
		block, _ := sjson.Set(`{"type":"thinking","thinking":""}`, "thinking", reasoning.String())
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}
	if content := message.Get("content"); content.Exists() && content.String() != "" {
		block, _ := sjson.Set(`{"type":"text","text":""}`, "text", content.String())
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}
	usedTool := false
	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		usedTool = true
		block := `{"type":"tool_use","id":"","name":"","input":{}}`
		id := call.Get("id").String()
		if id == "" {
			id = "toolu_" + strconv.FormatInt(time.Now().UnixNano(), 36)
		}
		block, _ = sjson.Set(block, "id", id)
		name := call.Get("function.name").String()
		block, _ = sjson.Set(block, "name", name)
		args := schemas.NormalizeArgs(name, []byte(call.Get("function.arguments").String()))
		if gjson.ParseBytes(args).IsObject() {
			block, _ = sjson.SetRaw(block, "input", string(args))
		}
		out, _ = sjson.SetRaw(out, "content.-1", block)
		return true
	})

	out, _ = sjson.Set(out, "stop_reason", mapFinishReason(root.Get("choices.0.finish_reason").String(), usedTool))
	if usage := root.Get("usage"); usage.Exists() {
		out, _ = sjson.Set(out, "usage.input_tokens", usage.Get("prompt_tokens").Int())
		out, _ = sjson.Set(out, "usage.output_tokens", usage.Get("completion_tokens").Int())
	}
	return out
}

// ConvertOpenAITokenCountToClaude reports an estimated prompt size in the
// count_tokens response shape.
func ConvertOpenAITokenCountToClaude(_ context.Context, count int64) string {
	return `{"input_tokens":` + strconv.FormatInt(count, 10) + `}`
}
