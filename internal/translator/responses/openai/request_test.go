package openai

import (
	"testing"

	"github.com/agentgate-dev/agentgate/internal/misc"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestConvertRequestBuildsInputItems(t *testing.T) {
	raw := []byte(`{
		"model": "gpt-5-codex",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "List files"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "ls", "arguments": "{\"path\":\".\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "main.go"},
			{"role": "assistant", "content": "Just main.go."}
		],
		"tools": [{"type": "function", "function": {"name": "ls", "description": "List a directory", "parameters": {"type": "object", "properties": {"path": {"type": "string"}}}}}],
		"max_tokens": 2048,
		"temperature": 0.7,
		"top_p": 0.9
	}`)

	out := ConvertOpenAIRequestToResponses("gpt-5-codex", raw, true)
	root := gjson.ParseBytes(out)

	require.Equal(t, "gpt-5-codex", root.Get("model").String())
	require.Equal(t, "Be terse.", root.Get("instructions").String())
	require.False(t, root.Get("store").Bool())
	require.True(t, root.Get("stream").Bool())
	require.True(t, root.Get("parallel_tool_calls").Bool())
	require.False(t, root.Get("temperature").Exists(), "upstream rejects temperature")
	require.False(t, root.Get("top_p").Exists(), "upstream rejects top_p")

	input := root.Get("input").Array()
	require.Len(t, input, 5)
	require.Equal(t, "developer", input[0].Get("role").String())
	require.Equal(t, "Be terse.", input[0].Get("content.0.text").String())
	require.Equal(t, "user", input[1].Get("role").String())
	require.Equal(t, "List files", input[1].Get("content.0.text").String())
	require.Equal(t, "function_call", input[2].Get("type").String())
	require.Equal(t, "call_1", input[2].Get("call_id").String())
	require.Equal(t, "ls", input[2].Get("name").String())
	require.Equal(t, `{"path":"."}`, input[2].Get("arguments").String())
	require.Equal(t, "function_call_output", input[3].Get("type").String())
	require.Equal(t, "main.go", input[3].Get("output").String())
	require.Equal(t, "output_text", input[4].Get("content.0.type").String())

	require.Equal(t, "ls", root.Get("tools.0.name").String())
	require.Equal(t, "object", root.Get("tools.0.parameters.type").String())
	require.Equal(t, int64(2048), root.Get("max_output_tokens").Int())
	require.Equal(t, "reasoning.encrypted_content", root.Get("include.0").String(), "tools force encrypted reasoning")
}

func TestConvertRequestDefaultInstructions(t *testing.T) {
	raw := []byte(`{"model": "gpt-5-codex", "messages": [{"role": "user", "content": "hi"}]}`)

	out := ConvertOpenAIRequestToResponses("gpt-5-codex", raw, false)

	require.Equal(t, misc.DefaultCodexInstructions, gjson.GetBytes(out, "instructions").String())
	require.True(t, gjson.GetBytes(out, "stream").Bool(), "upstream calls always stream")
	require.False(t, gjson.GetBytes(out, "include").Exists(), "no tools and no reasoning requested")
}

func TestConvertRequestExplicitInstructionsWin(t *testing.T) {
	raw := []byte(`{
		"model": "gpt-5-codex",
		"instructions": "Follow house style.",
		"messages": [
			{"role": "system", "content": "Ignored for instructions."},
			{"role": "user", "content": "hi"}
		]
	}`)

	out := ConvertOpenAIRequestToResponses("gpt-5-codex", raw, true)

	require.Equal(t, "Follow house style.", gjson.GetBytes(out, "instructions").String())
	require.Equal(t, "developer", gjson.GetBytes(out, "input.0.role").String(), "system text still rides as a developer item")
}

func TestConvertRequestReasoningEffort(t *testing.T) {
	raw := []byte(`{
		"model": "gpt-5-codex",
		"messages": [{"role": "user", "content": "hi"}],
		"reasoning_effort": "high"
	}`)

	out := ConvertOpenAIRequestToResponses("gpt-5-codex", raw, true)

	require.Equal(t, "high", gjson.GetBytes(out, "reasoning.effort").String())
	require.Equal(t, "auto", gjson.GetBytes(out, "reasoning.summary").String())
	require.Equal(t, "reasoning.encrypted_content", gjson.GetBytes(out, "include.0").String())
}

func TestConvertRequestImageBecomesInputImage(t *testing.T) {
	raw := []byte(`{
		"model": "gpt-5-codex",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "what is this"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,aGVsbG8="}}
		]}]
	}`)

	out := ConvertOpenAIRequestToResponses("gpt-5-codex", raw, true)

	content := gjson.GetBytes(out, "input.0.content").Array()
	require.Len(t, content, 2)
	require.Equal(t, "input_image", content[1].Get("type").String())
	require.Equal(t, "data:image/png;base64,aGVsbG8=", content[1].Get("image_url").String())
}

func TestConvertRequestDeveloperMessagesJoinInstructions(t *testing.T) {
	raw := []byte(`{
		"model": "gpt-5-codex",
		"messages": [
			{"role": "system", "content": "Rule one."},
			{"role": "developer", "content": "Rule two."},
			{"role": "user", "content": "go"}
		]
	}`)

	out := ConvertOpenAIRequestToResponses("gpt-5-codex", raw, true)

	require.Equal(t, "Rule one.\n\nRule two.", gjson.GetBytes(out, "instructions").String())
	require.Len(t, gjson.GetBytes(out, "input").Array(), 3)
}
