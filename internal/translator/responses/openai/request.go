// Package openai converts OpenAI chat completion traffic to the OpenAI
// Responses API and back. The request converter rebuilds the conversation as
// Responses input items, and the response converters replay Responses SSE
// events as chat completion chunks.
package openai

import (
	"strings"

	"github.com/agentgate-dev/agentgate/internal/misc"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertOpenAIRequestToResponses converts a chat completions request into a
// Responses API request. Responses calls are always issued as SSE streams
// with storage disabled, so reasoning state has to travel inside the request
// via encrypted content. Temperature and top_p are dropped because the
// Responses endpoint rejects them for codex models.
func ConvertOpenAIRequestToResponses(modelName string, inputRawJSON []byte, _ bool) []byte {
	out := []byte(`{"model":"","instructions":"","input":[],"store":false,"stream":true,"parallel_tool_calls":true}`)
	out, _ = sjson.SetBytes(out, "model", modelName)

	root := gjson.ParseBytes(inputRawJSON)

	var instructions []string
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		switch role {
		case "system", "developer":
			for _, text := range messageTexts(message) {
				instructions = append(instructions, text)
				item := []byte(`{"type":"message","role":"developer","content":[{"type":"input_text","text":""}]}`)
				item, _ = sjson.SetBytes(item, "content.0.text", text)
				out, _ = sjson.SetRawBytes(out, "input.-1", item)
			}
		case "user":
			if item, ok := userItem(message); ok {
				out, _ = sjson.SetRawBytes(out, "input.-1", item)
			}
		case "assistant":
			if item, ok := assistantMessageItem(message); ok {
				out, _ = sjson.SetRawBytes(out, "input.-1", item)
			}
			message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
				item := []byte(`{"type":"function_call","id":"","call_id":"","name":"","arguments":""}`)
				item, _ = sjson.SetBytes(item, "id", call.Get("id").String())
				item, _ = sjson.SetBytes(item, "call_id", call.Get("id").String())
				item, _ = sjson.SetBytes(item, "name", call.Get("function.name").String())
				item, _ = sjson.SetBytes(item, "arguments", call.Get("function.arguments").String())
				out, _ = sjson.SetRawBytes(out, "input.-1", item)
				return true
			})
		case "tool":
			item := []byte(`{"type":"function_call_output","call_id":"","output":""}`)
			item, _ = sjson.SetBytes(item, "call_id", message.Get("tool_call_id").String())
			item, _ = sjson.SetBytes(item, "output", toolOutputText(message.Get("content")))
			out, _ = sjson.SetRawBytes(out, "input.-1", item)
		}
		return true
	})

	instruction := root.Get("instructions").String()
	if strings.TrimSpace(instruction) == "" {
		instruction = strings.Join(instructions, "\n\n")
	}
	if strings.TrimSpace(instruction) == "" {
		instruction = misc.DefaultCodexInstructions
	}
	out, _ = sjson.SetBytes(out, "instructions", instruction)

	hasTools := false
	if tools := root.Get("tools"); tools.IsArray() {
		for _, tool := range tools.Array() {
			if tool.Get("type").String() != "function" {
				continue
			}
			decl := []byte(`{"type":"function","name":""}`)
			decl, _ = sjson.SetBytes(decl, "name", tool.Get("function.name").String())
			if description := tool.Get("function.description"); description.Exists() {
				decl, _ = sjson.SetBytes(decl, "description", description.String())
			}
			if parameters := tool.Get("function.parameters"); parameters.Exists() {
				decl, _ = sjson.SetRawBytes(decl, "parameters", []byte(parameters.Raw))
			}
			out, _ = sjson.SetRawBytes(out, "tools.-1", decl)
			hasTools = true
		}
	}
	if choice := root.Get("tool_choice"); choice.Exists() && choice.Type == gjson.String {
		out, _ = sjson.SetBytes(out, "tool_choice", choice.String())
	}

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.SetBytes(out, "max_output_tokens", maxTokens.Int())
	}
	if maxTokens := root.Get("max_completion_tokens"); maxTokens.Exists() {
		out, _ = sjson.SetBytes(out, "max_output_tokens", maxTokens.Int())
	}

	effort := root.Get("reasoning.effort")
	if !effort.Exists() {
		effort = root.Get("reasoning_effort")
	}
	if effort.Exists() {
		out, _ = sjson.SetBytes(out, "reasoning.effort", effort.String())
		out, _ = sjson.SetBytes(out, "reasoning.summary", "auto")
	}
	if effort.Exists() || hasTools {
		out, _ = sjson.SetRawBytes(out, "include", []byte(`["reasoning.encrypted_content"]`))
	}

	return out
}

// messageTexts flattens a system or developer message into its text parts.
func messageTexts(message gjson.Result) []string {
	content := message.Get("content")
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []string{content.String()}
	}
	var texts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" && part.Get("text").String() != "" {
			texts = append(texts, part.Get("text").String())
		}
		return true
	})
	return texts
}

func userItem(message gjson.Result) ([]byte, bool) {
	item := []byte(`{"type":"message","role":"user","content":[]}`)
	kept := 0
	content := message.Get("content")
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil, false
		}
		part, _ := sjson.SetBytes([]byte(`{"type":"input_text","text":""}`), "text", content.String())
		item, _ = sjson.SetRawBytes(item, "content.-1", part)
		return item, true
	}
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			textPart, _ := sjson.SetBytes([]byte(`{"type":"input_text","text":""}`), "text", part.Get("text").String())
			item, _ = sjson.SetRawBytes(item, "content.-1", textPart)
			kept++
		case "image_url":
			imagePart, _ := sjson.SetBytes([]byte(`{"type":"input_image","image_url":""}`), "image_url", part.Get("image_url.url").String())
			item, _ = sjson.SetRawBytes(item, "content.-1", imagePart)
			kept++
		}
		return true
	})
	return item, kept > 0
}

func assistantMessageItem(message gjson.Result) ([]byte, bool) {
	item := []byte(`{"type":"message","role":"assistant","content":[]}`)
	kept := 0
	content := message.Get("content")
	if content.Type == gjson.String && content.String() != "" {
		part, _ := sjson.SetBytes([]byte(`{"type":"output_text","text":""}`), "text", content.String())
		item, _ = sjson.SetRawBytes(item, "content.-1", part)
		return item, true
	}
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" && part.Get("text").String() != "" {
			textPart, _ := sjson.SetBytes([]byte(`{"type":"output_text","text":""}`), "text", part.Get("text").String())
			item, _ = sjson.SetRawBytes(item, "content.-1", textPart)
			kept++
		}
		return true
	})
	return item, kept > 0
}

func toolOutputText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var builder strings.Builder
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				builder.WriteString(part.Get("text").String())
			}
			return true
		})
		return builder.String()
	}
	return content.Raw
}
