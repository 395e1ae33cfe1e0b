package claude

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func TestConvertRequestBasicTurn(t *testing.T) {
	raw := []byte(`{
		"model": "qwen3-coder-plus",
		"system": "Answer briefly.",
		"messages": [
			{"role": "user", "content": "What is Go?"},
			{"role": "assistant", "content": [{"type": "text", "text": "A language."}]},
			{"role": "user", "content": [{"type": "text", "text": "Elaborate."}]}
		],
		"max_tokens": 512,
		"temperature": 0.2,
		"stop_sequences": ["END"]
	}`)

	out := ConvertClaudeRequestToOpenAI("qwen3-coder-plus", raw, true)
	root := gjson.ParseBytes(out)

	require.Equal(t, "qwen3-coder-plus", root.Get("model").String())
	require.True(t, root.Get("stream").Bool())

	messages := root.Get("messages").Array()
	require.Len(t, messages, 4)
	require.Equal(t, "system", messages[0].Get("role").String())
	require.Equal(t, "Answer briefly.", messages[0].Get("content").String())
	require.Equal(t, "What is Go?", messages[1].Get("content").String())
	require.Equal(t, "assistant", messages[2].Get("role").String())
	require.Equal(t, "A language.", messages[2].Get("content").String())
	require.Equal(t, "Elaborate.", messages[3].Get("content").String())

	require.Equal(t, int64(512), root.Get("max_tokens").Int())
	require.Equal(t, 0.2, root.Get("temperature").Float())
	require.Equal(t, "END", root.Get("stop").String(), "single stop collapses to a string")
}

func TestConvertRequestToolCycle(t *testing.T) {
	raw := []byte(`{
		"model": "qwen3-coder-plus",
		"messages": [
			{"role": "user", "content": "read main.go"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "Reading."},
				{"type": "tool_use", "id": "toolu_1", "name": "read_file", "input": {"path": "main.go"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": [{"type": "text", "text": "package main"}]},
				{"type": "text", "text": "now explain"}
			]}
		],
		"tools": [{"name": "read_file", "description": "Read a file", "input_schema": {"type": "object", "properties": {"path": {"type": "string"}}}}],
		"tool_choice": {"type": "any"}
	}`)

	out := ConvertClaudeRequestToOpenAI("qwen3-coder-plus", raw, false)
	root := gjson.ParseBytes(out)

	messages := root.Get("messages").Array()
	require.Len(t, messages, 5)
	require.Equal(t, "system", messages[0].Get("role").String())
	require.Contains(t, messages[0].Get("content").String(), "RFC 8259")

	assistant := messages[2]
	require.Equal(t, "Reading.", assistant.Get("content").String())
	require.Equal(t, "toolu_1", assistant.Get("tool_calls.0.id").String())
	require.Equal(t, "read_file", assistant.Get("tool_calls.0.function.name").String())
	require.Equal(t, `{"path": "main.go"}`, assistant.Get("tool_calls.0.function.arguments").String())

	toolMsg := messages[3]
	require.Equal(t, "tool", toolMsg.Get("role").String())
	require.Equal(t, "toolu_1", toolMsg.Get("tool_call_id").String())
	require.Equal(t, "package main", toolMsg.Get("content").String())

	require.Equal(t, "now explain", messages[4].Get("content").String())

	require.Equal(t, "read_file", root.Get("tools.0.function.name").String())
	require.Equal(t, "object", root.Get("tools.0.function.parameters.type").String())
	require.Equal(t, "required", root.Get("tool_choice").String())
}

func TestConvertRequestThinkingBudgetToEffort(t *testing.T) {
	for budget, want := range map[int64]string{500: "low", 16000: "medium", 32768: "high"} {
		raw, err := sjson.SetBytes([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"thinking":{"type":"enabled"}}`), "thinking.budget_tokens", budget)
		require.NoError(t, err)
		out := ConvertClaudeRequestToOpenAI("m", raw, false)
		require.Equal(t, want, gjson.GetBytes(out, "reasoning_effort").String(), "budget %d", budget)
	}

	disabled := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"thinking":{"type":"disabled"}}`)
	out := ConvertClaudeRequestToOpenAI("m", disabled, false)
	require.False(t, gjson.GetBytes(out, "reasoning_effort").Exists())
}

func TestConvertRequestImageBlock(t *testing.T) {
	raw := []byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "look"},
			{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aGk="}}
		]}]
	}`)

	out := ConvertClaudeRequestToOpenAI("m", raw, false)
	parts := gjson.GetBytes(out, "messages.0.content").Array()

	require.Len(t, parts, 2)
	require.Equal(t, "text", parts[0].Get("type").String())
	require.Equal(t, "image_url", parts[1].Get("type").String())
	require.Equal(t, "data:image/png;base64,aGk=", parts[1].Get("image_url.url").String())
}

func TestConvertRequestMetadataUser(t *testing.T) {
	raw := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"metadata":{"user_id":"team-7"}}`)
	out := ConvertClaudeRequestToOpenAI("m", raw, false)
	require.Equal(t, "team-7", gjson.GetBytes(out, "user").String())
}
