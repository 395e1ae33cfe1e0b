package claude

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/agentgate-dev/agentgate/internal/ratelimit"
	"github.com/agentgate-dev/agentgate/internal/signature"
	"github.com/agentgate-dev/agentgate/internal/toolargs"
	geminiopenai "github.com/agentgate-dev/agentgate/internal/translator/gemini/openai"
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
	messageID  string
	started    bool
	blockKind  int
	blockIndex int
	usedTool   bool
	finishSent bool
	usage      []byte

	schemas   toolargs.SchemaMap
	sessionID string
	family    string
	restore   map[string]string
	blockSig  string
}

func newStreamState(model string, originalRequestRawJSON []byte) *streamState {
	return &streamState{
		messageID: "msg_" + uuid.NewString(),
		schemas:   toolargs.Capture(originalRequestRawJSON),
		sessionID: geminiopenai.SessionID(originalRequestRawJSON),
		family:    ratelimit.Family(model),
		restore:   restoredToolNames(originalRequestRawJSON),
	}
}

// restoredToolNames maps wire tool names back onto the names the client
// declared, undoing the digit prefix applied on the way in.
func restoredToolNames(rawJSON []byte) map[string]string {
	names := make(map[string]string)
	gjson.GetBytes(rawJSON, "tools").ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		if name == "" {
			return true
		}
		if wire := WireToolName(name); wire != name {
			names[wire] = name
		}
		return true
	})
	return names
}

// ConvertGeminiResponseToClaude converts one Code Assist SSE line into
// Anthropic Messages stream events. Each returned string is a standalone
// event payload whose type field names the SSE event.
func ConvertGeminiResponseToClaude(_ context.Context, model string, originalRequestRawJSON, _, rawJSON []byte, param *any) []string {
	if *param == nil {
		*param = newStreamState(model, originalRequestRawJSON)
	}
	state := (*param).(*streamState)

	line := bytes.TrimSpace(rawJSON)
	if bytes.Equal(line, []byte("[DONE]")) {
		var events []string
		if state.started && !state.finishSent {
			events = append(events, state.closeBlock()...)
			events = append(events, state.messageDelta("end_turn"))
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
	if wrapped := root.Get("response"); wrapped.Exists() {
		root = wrapped
	}

	if um := root.Get("usageMetadata"); um.Exists() {
		state.usage = []byte(um.Raw)
	}

	var events []string
	if !state.started {
		start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		if rid := root.Get("responseId"); rid.Exists() {
			state.messageID = "msg_" + rid.String()
		}
		start, _ = sjson.Set(start, "message.id", state.messageID)
		modelName := model
		if mv := root.Get("modelVersion"); mv.Exists() {
			modelName = mv.String()
		}
		start, _ = sjson.Set(start, "message.model", modelName)
		events = append(events, start)
		state.started = true
	}

	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text := part.Get("text")
		fc := part.Get("functionCall")
		switch {
		case text.Exists() && part.Get("thought").Bool():
			if state.blockKind != blockThinking {
				events = append(events, state.closeBlock()...)
				events = append(events, state.openBlock(blockThinking, `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`))
			}
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				signature.Default().Put(state.family, state.sessionID, text.String(), sig)
				state.blockSig = sig
			}
			delta, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":""}}`, "delta.thinking", text.String())
			delta, _ = sjson.Set(delta, "index", state.blockIndex)
			events = append(events, delta)
		case text.Exists():
			if state.blockKind != blockText {
				events = append(events, state.closeBlock()...)
				events = append(events, state.openBlock(blockText, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`))
			}
			delta, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`, "delta.text", text.String())
			delta, _ = sjson.Set(delta, "index", state.blockIndex)
			events = append(events, delta)
		case fc.Exists():
			events = append(events, state.closeBlock()...)
			name := fc.Get("name").String()
			if original, ok := state.restore[name]; ok {
				name = original
			}
			id := fc.Get("id").String()
			if id == "" {
				id = "toolu_" + strconv.FormatInt(time.Now().UnixNano(), 36)
			}
			start := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
			start, _ = sjson.Set(start, "content_block.id", id)
			start, _ = sjson.Set(start, "content_block.name", name)
			events = append(events, state.openBlock(blockTool, start))

			args := []byte(`{}`)
			if a := fc.Get("args"); a.Exists() {
				args = []byte(a.Raw)
			}
			normalized := state.schemas.NormalizeArgs(name, args)
			delta, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`, "delta.partial_json", string(normalized))
			delta, _ = sjson.Set(delta, "index", state.blockIndex)
			events = append(events, delta)
			state.usedTool = true
		}
		return true
	})

	if fr := root.Get("candidates.0.finishReason"); fr.Exists() && !state.finishSent {
		events = append(events, state.closeBlock()...)
		events = append(events, state.messageDelta(stopReason(fr.String(), state.usedTool)))
	}
	return events
}

// openBlock emits a content_block_start for the given kind at the current
// index and records the open state.
func (s *streamState) openBlock(kind int, startEvent string) string {
	s.blockKind = kind
	s.blockSig = ""
	out, _ := sjson.Set(startEvent, "index", s.blockIndex)
	return out
}

// closeBlock ends the open content block, emitting the trailing
// signature_delta for thinking blocks that carried one.
func (s *streamState) closeBlock() []string {
	if s.blockKind == blockNone {
		return nil
	}
	var events []string
	if s.blockKind == blockThinking && s.blockSig != "" {
		delta, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":""}}`, "delta.signature", s.blockSig)
		delta, _ = sjson.Set(delta, "index", s.blockIndex)
		events = append(events, delta)
	}
	stop, _ := sjson.Set(`{"type":"content_block_stop","index":0}`, "index", s.blockIndex)
	events = append(events, stop)
	s.blockKind = blockNone
	s.blockSig = ""
	s.blockIndex++
	return events
}

func (s *streamState) messageDelta(reason string) string {
	s.finishSent = true
	out, _ := sjson.Set(`{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`, "delta.stop_reason", reason)
	if s.usage != nil {
		usage := gjson.ParseBytes(s.usage)
		out, _ = sjson.Set(out, "usage.input_tokens", usage.Get("promptTokenCount").Int())
		out, _ = sjson.Set(out, "usage.output_tokens", usage.Get("candidatesTokenCount").Int()+usage.Get("thoughtsTokenCount").Int())
	}
	return out
}

func stopReason(reason string, usedTool bool) string {
	if usedTool {
		return "tool_use"
	}
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return "refusal"
	default:
		return "end_turn"
	}
}

// ConvertGeminiResponseToClaudeNonStream converts a buffered
// generateContent body into an Anthropic message object.
func ConvertGeminiResponseToClaudeNonStream(_ context.Context, model string, originalRequestRawJSON, _, rawJSON []byte, _ *any) string {
	root := gjson.ParseBytes(rawJSON)
	if wrapped := root.Get("response"); wrapped.Exists() {
		root = wrapped
	}

	schemas := toolargs.Capture(originalRequestRawJSON)
	sessionID := geminiopenai.SessionID(originalRequestRawJSON)
	family := ratelimit.Family(model)
	restore := restoredToolNames(originalRequestRawJSON)

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	messageID := "msg_" + uuid.NewString()
	if rid := root.Get("responseId"); rid.Exists() {
		messageID = "msg_" + rid.String()
	}
	out, _ = sjson.Set(out, "id", messageID)
	modelName := model
	if mv := root.Get("modelVersion"); mv.Exists() {
		modelName = mv.String()
	}
	out, _ = sjson.Set(out, "model", modelName)

	usedTool := false
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text := part.Get("text")
		fc := part.Get("functionCall")
		switch {
		case text.Exists() && part.Get("thought").Bool():
			block := `{"type":"thinking","thinking":""}`
			block, _ = sjson.Set(block, "thinking", text.String())
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				signature.Default().Put(family, sessionID, text.String(), sig)
				block, _ = sjson.Set(block, "signature", sig)
			}
			out, _ = sjson.SetRaw(out, "content.-1", block)
		case text.Exists():
			block, _ := sjson.Set(`{"type":"text","text":""}`, "text", text.String())
			out, _ = sjson.SetRaw(out, "content.-1", block)
		case fc.Exists():
			name := fc.Get("name").String()
			if original, ok := restore[name]; ok {
				name = original
			}
			id := fc.Get("id").String()
			if id == "" {
				id = "toolu_" + strconv.FormatInt(time.Now().UnixNano(), 36)
			}
			block := `{"type":"tool_use","id":"","name":"","input":{}}`
			block, _ = sjson.Set(block, "id", id)
			block, _ = sjson.Set(block, "name", name)
			args := []byte(`{}`)
			if a := fc.Get("args"); a.Exists() {
				args = []byte(a.Raw)
			}
			block, _ = sjson.SetRaw(block, "input", string(schemas.NormalizeArgs(name, args)))
			out, _ = sjson.SetRaw(out, "content.-1", block)
			usedTool = true
		}
		return true
	})

	reason := "end_turn"
	if fr := root.Get("candidates.0.finishReason"); fr.Exists() {
		reason = stopReason(fr.String(), usedTool)
	} else if usedTool {
		reason = "tool_use"
	}
	out, _ = sjson.Set(out, "stop_reason", reason)

	if um := root.Get("usageMetadata"); um.Exists() {
		out, _ = sjson.Set(out, "usage.input_tokens", um.Get("promptTokenCount").Int())
		out, _ = sjson.Set(out, "usage.output_tokens", um.Get("candidatesTokenCount").Int()+um.Get("thoughtsTokenCount").Int())
	}
	return out
}

// ConvertGeminiTokenCountToClaude renders a countTokens result in the
// Messages count_tokens shape.
func ConvertGeminiTokenCountToClaude(_ context.Context, count int64) string {
	out, _ := sjson.Set(`{"input_tokens":0}`, "input_tokens", count)
	return out
}
