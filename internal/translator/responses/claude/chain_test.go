package claude

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestConvertRequestComposesDirections(t *testing.T) {
	raw := []byte(`{
		"model": "gpt-5-codex",
		"system": "Stay factual.",
		"messages": [
			{"role": "user", "content": "read main.go"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_9", "name": "read_file", "input": {"path": "main.go"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_9", "content": "package main"}
			]}
		],
		"tools": [{"name": "read_file", "input_schema": {"type": "object", "properties": {"path": {"type": "string"}}}}],
		"max_tokens": 1024,
		"thinking": {"type": "enabled", "budget_tokens": 32768}
	}`)

	out := ConvertClaudeRequestToResponses("gpt-5-codex", raw, true)
	root := gjson.ParseBytes(out)

	require.Equal(t, "gpt-5-codex", root.Get("model").String())
	require.Contains(t, root.Get("instructions").String(), "Stay factual.")
	require.False(t, root.Get("store").Bool())

	var functionCall, functionOutput gjson.Result
	root.Get("input").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "function_call":
			functionCall = item
		case "function_call_output":
			functionOutput = item
		}
		return true
	})
	require.Equal(t, "toolu_9", functionCall.Get("call_id").String())
	require.Equal(t, "read_file", functionCall.Get("name").String())
	require.Equal(t, "toolu_9", functionOutput.Get("call_id").String())
	require.Equal(t, "package main", functionOutput.Get("output").String())

	require.Equal(t, "read_file", root.Get("tools.0.name").String())
	require.Equal(t, int64(1024), root.Get("max_output_tokens").Int())
	require.Equal(t, "high", root.Get("reasoning.effort").String())
	require.Equal(t, "reasoning.encrypted_content", root.Get("include.0").String())
}

func TestStreamComposedEventSequence(t *testing.T) {
	request := []byte(`{
		"messages": [{"role": "user", "content": "list"}],
		"tools": [{"name": "ls", "input_schema": {"type": "object", "properties": {"path": {"type": "string"}}}}]
	}`)
	lines := []string{
		`data: {"type":"response.created","response":{"id":"resp_9","created_at":1700000009,"model":"gpt-5-codex"}}`,
		`data: {"type":"response.reasoning_summary_text.delta","delta":"plan"}`,
		`data: {"type":"response.output_text.delta","delta":"Listing."}`,
		`data: {"type":"response.output_item.added","item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"ls"}}`,
		`data: {"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"{\"path\":\".\"}"}`,
		`data: {"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":6,"output_tokens":3,"total_tokens":9}}}`,
		`[DONE]`,
	}

	var param any
	var events []string
	for _, line := range lines {
		events = append(events, ConvertResponsesResponseToClaude(context.Background(), "gpt-5-codex", request, request, []byte(line), &param)...)
	}

	var kinds []string
	for _, event := range events {
		kinds = append(kinds, gjson.Get(event, "type").String())
	}
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, kinds)

	require.Equal(t, "msg_resp_9", gjson.Get(events[0], "message.id").String())
	require.Equal(t, "thinking", gjson.Get(events[1], "content_block.type").String())
	require.Equal(t, "plan", gjson.Get(events[2], "delta.thinking").String())
	require.Equal(t, "text", gjson.Get(events[4], "content_block.type").String())
	require.Equal(t, "Listing.", gjson.Get(events[5], "delta.text").String())
	require.Equal(t, "tool_use", gjson.Get(events[7], "content_block.type").String())
	require.Equal(t, "call_1", gjson.Get(events[7], "content_block.id").String())
	require.Equal(t, `{"path":"."}`, gjson.Get(events[8], "delta.partial_json").String())
	require.Equal(t, "tool_use", gjson.Get(events[10], "delta.stop_reason").String())
	require.Equal(t, int64(6), gjson.Get(events[10], "usage.input_tokens").Int())
	require.Equal(t, "message_stop", gjson.Get(events[11], "type").String())
}

func TestNonStreamComposed(t *testing.T) {
	request := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	raw := []byte(`{
		"id": "resp_8",
		"created_at": 1700000008,
		"model": "gpt-5-codex",
		"status": "completed",
		"output": [
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "Done."}]}
		],
		"usage": {"input_tokens": 5, "output_tokens": 2, "total_tokens": 7}
	}`)

	var param any
	out := ConvertResponsesResponseToClaudeNonStream(context.Background(), "gpt-5-codex", request, request, raw, &param)
	root := gjson.Parse(out)

	require.Equal(t, "message", root.Get("type").String())
	require.Equal(t, "Done.", root.Get("content.0.text").String())
	require.Equal(t, "end_turn", root.Get("stop_reason").String())
	require.Equal(t, int64(5), root.Get("usage.input_tokens").Int())
}

func TestTokenCountShape(t *testing.T) {
	out := ConvertResponsesTokenCountToClaude(context.Background(), 17)
	require.Equal(t, `{"input_tokens":17}`, out)
}
