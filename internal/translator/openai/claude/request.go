// Package claude converts Anthropic Messages traffic to OpenAI chat
// completions and back, serving clients that speak the Messages protocol
// against chat-completions upstreams.
package claude

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// toolUsageInstruction is injected as system text whenever tools are
// declared. Chat-completions upstreams without native schema validation
// drift into prose tool calls without it.
const toolUsageInstruction = "When calling a tool, encode the arguments as strict RFC 8259 JSON: every key and string value double-quoted, no markdown fences, no trailing commas."

// ConvertClaudeRequestToOpenAI converts an Anthropic Messages request into an
// OpenAI chat completions request. tool_result blocks become role:"tool"
// messages in conversation order, thinking blocks are dropped because chat
// completions has no slot for them on the way up.
func ConvertClaudeRequestToOpenAI(modelName string, inputRawJSON []byte, stream bool) []byte {
	out := []byte(`{"model":"","messages":[]}`)
	out, _ = sjson.SetBytes(out, "model", modelName)
	out, _ = sjson.SetBytes(out, "stream", stream)

	root := gjson.ParseBytes(inputRawJSON)
	hasTools := root.Get("tools").IsArray() && len(root.Get("tools").Array()) > 0

	var systemTexts []string
	if hasTools {
		systemTexts = append(systemTexts, toolUsageInstruction)
	}
	if system := root.Get("system"); system.Exists() {
		if system.Type == gjson.String {
			if system.String() != "" {
				systemTexts = append(systemTexts, system.String())
			}
		} else {
			system.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "text" && block.Get("text").String() != "" {
					systemTexts = append(systemTexts, block.Get("text").String())
				}
				return true
			})
		}
	}
	if len(systemTexts) > 0 {
		message := []byte(`{"role":"system","content":""}`)
		message, _ = sjson.SetBytes(message, "content", strings.Join(systemTexts, "\n\n"))
		out, _ = sjson.SetRawBytes(out, "messages.-1", message)
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		switch message.Get("role").String() {
		case "user":
			out = appendUserMessages(out, message)
		case "assistant":
			if node, ok := assistantMessage(message); ok {
				out, _ = sjson.SetRawBytes(out, "messages.-1", node)
			}
		}
		return true
	})

	if tools := root.Get("tools"); tools.IsArray() {
		for _, tool := range tools.Array() {
			decl := []byte(`{"type":"function","function":{"name":""}}`)
			decl, _ = sjson.SetBytes(decl, "function.name", tool.Get("name").String())
			if description := tool.Get("description"); description.Exists() {
				decl, _ = sjson.SetBytes(decl, "function.description", description.String())
			}
			if schema := tool.Get("input_schema"); schema.Exists() {
				decl, _ = sjson.SetRawBytes(decl, "function.parameters", []byte(schema.Raw))
			}
			out, _ = sjson.SetRawBytes(out, "tools.-1", decl)
		}
	}

	switch root.Get("tool_choice.type").String() {
	case "auto":
		out, _ = sjson.SetBytes(out, "tool_choice", "auto")
	case "any":
		out, _ = sjson.SetBytes(out, "tool_choice", "required")
	case "none":
		out, _ = sjson.SetBytes(out, "tool_choice", "none")
	case "tool":
		choice := []byte(`{"type":"function","function":{"name":""}}`)
		choice, _ = sjson.SetBytes(choice, "function.name", root.Get("tool_choice.name").String())
		out, _ = sjson.SetRawBytes(out, "tool_choice", choice)
	}

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.SetBytes(out, "max_tokens", maxTokens.Int())
	}
	if temperature := root.Get("temperature"); temperature.Exists() {
		out, _ = sjson.SetBytes(out, "temperature", temperature.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.SetBytes(out, "top_p", topP.Float())
	}
	if stops := root.Get("stop_sequences"); stops.IsArray() {
		values := stops.Array()
		if len(values) == 1 {
			out, _ = sjson.SetBytes(out, "stop", values[0].String())
		} else if len(values) > 1 {
			var list []string
			for _, value := range values {
				list = append(list, value.String())
			}
			out, _ = sjson.SetBytes(out, "stop", list)
		}
	}
	if effort := reasoningEffort(root.Get("thinking")); effort != "" {
		out, _ = sjson.SetBytes(out, "reasoning_effort", effort)
	}
	if user := root.Get("metadata.user_id"); user.Exists() && user.String() != "" {
		out, _ = sjson.SetBytes(out, "user", user.String())
	}

	return out
}

// reasoningEffort folds an explicit thinking budget back into the coarse
// effort scale chat-completions upstreams understand.
func reasoningEffort(thinking gjson.Result) string {
	if thinking.Get("type").String() != "enabled" {
		return ""
	}
	budget := thinking.Get("budget_tokens").Int()
	switch {
	case budget >= 32000:
		return "high"
	case budget >= 10000:
		return "medium"
	default:
		return "low"
	}
}

// appendUserMessages expands one Messages user turn. tool_result blocks are
// emitted as role:"tool" messages in block order, then any remaining text or
// image blocks form a trailing user message.
func appendUserMessages(out []byte, message gjson.Result) []byte {
	content := message.Get("content")
	if content.Type == gjson.String {
		if content.String() == "" {
			return out
		}
		node, _ := sjson.SetBytes([]byte(`{"role":"user","content":""}`), "content", content.String())
		out, _ = sjson.SetRawBytes(out, "messages.-1", node)
		return out
	}

	userParts := [][]byte{}
	textOnly := true
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "tool_result":
			node := []byte(`{"role":"tool","tool_call_id":"","content":""}`)
			node, _ = sjson.SetBytes(node, "tool_call_id", block.Get("tool_use_id").String())
			node, _ = sjson.SetBytes(node, "content", resultText(block.Get("content")))
			out, _ = sjson.SetRawBytes(out, "messages.-1", node)
		case "text":
			if block.Get("text").String() == "" {
				return true
			}
			part, _ := sjson.SetBytes([]byte(`{"type":"text","text":""}`), "text", block.Get("text").String())
			userParts = append(userParts, part)
		case "image":
			source := block.Get("source")
			if source.Get("type").String() != "base64" {
				return true
			}
			url := "data:" + source.Get("media_type").String() + ";base64," + source.Get("data").String()
			part, _ := sjson.SetBytes([]byte(`{"type":"image_url","image_url":{"url":""}}`), "image_url.url", url)
			userParts = append(userParts, part)
			textOnly = false
		}
		return true
	})
	if len(userParts) == 0 {
		return out
	}

	if textOnly {
		var builder strings.Builder
		for _, part := range userParts {
			builder.WriteString(gjson.GetBytes(part, "text").String())
		}
		node, _ := sjson.SetBytes([]byte(`{"role":"user","content":""}`), "content", builder.String())
		out, _ = sjson.SetRawBytes(out, "messages.-1", node)
		return out
	}
	node := []byte(`{"role":"user","content":[]}`)
	for _, part := range userParts {
		node, _ = sjson.SetRawBytes(node, "content.-1", part)
	}
	out, _ = sjson.SetRawBytes(out, "messages.-1", node)
	return out
}

func assistantMessage(message gjson.Result) ([]byte, bool) {
	node := []byte(`{"role":"assistant","content":null}`)
	var texts []string
	hasToolCalls := false

	content := message.Get("content")
	if content.Type == gjson.String {
		if content.String() != "" {
			texts = append(texts, content.String())
		}
	} else {
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if block.Get("text").String() != "" {
					texts = append(texts, block.Get("text").String())
				}
			case "tool_use":
				call := []byte(`{"id":"","type":"function","function":{"name":"","arguments":"{}"}}`)
				call, _ = sjson.SetBytes(call, "id", block.Get("id").String())
				call, _ = sjson.SetBytes(call, "function.name", block.Get("name").String())
				if input := block.Get("input"); input.Exists() {
					call, _ = sjson.SetBytes(call, "function.arguments", input.Raw)
				}
				node, _ = sjson.SetRawBytes(node, "tool_calls.-1", call)
				hasToolCalls = true
			}
			return true
		})
	}

	if len(texts) > 0 {
		node, _ = sjson.SetBytes(node, "content", strings.Join(texts, ""))
	}
	return node, len(texts) > 0 || hasToolCalls
}

func resultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var builder strings.Builder
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				builder.WriteString(block.Get("text").String())
			}
			return true
		})
		return builder.String()
	}
	return content.Raw
}
