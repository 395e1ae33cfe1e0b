package claude

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func collect(t *testing.T, model string, request []byte, lines []string) []string {
	t.Helper()
	var param any
	var events []string
	for _, line := range lines {
		events = append(events, ConvertGeminiResponseToClaude(context.Background(), model, request, request, []byte(line), &param)...)
	}
	return events
}

func types(events []string) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, gjson.Get(e, "type").String())
	}
	return out
}

func TestStreamEventSequence(t *testing.T) {
	request := []byte(`{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	events := collect(t, "claude-sonnet-4-5", request, []string{
		`data: {"response":{"responseId":"r1","modelVersion":"claude-sonnet-4-5","candidates":[{"content":{"parts":[{"text":"mulling","thought":true,"thoughtSignature":"sig1"}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":" world"}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":3,"thoughtsTokenCount":2,"totalTokenCount":10}}}`,
		`data: {"response":{"candidates":[{"finishReason":"STOP"}]}}`,
		`[DONE]`,
	})

	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types(events))

	start := events[0]
	require.Equal(t, "msg_r1", gjson.Get(start, "message.id").String())
	require.Equal(t, "claude-sonnet-4-5", gjson.Get(start, "message.model").String())

	require.Equal(t, "thinking", gjson.Get(events[1], "content_block.type").String())
	require.Equal(t, "mulling", gjson.Get(events[2], "delta.thinking").String())
	require.Equal(t, "sig1", gjson.Get(events[3], "delta.signature").String())
	require.EqualValues(t, 0, gjson.Get(events[4], "index").Int())

	require.Equal(t, "text", gjson.Get(events[5], "content_block.type").String())
	require.EqualValues(t, 1, gjson.Get(events[5], "index").Int())
	require.Equal(t, "Hello", gjson.Get(events[6], "delta.text").String())
	require.Equal(t, " world", gjson.Get(events[7], "delta.text").String())

	delta := events[9]
	require.Equal(t, "end_turn", gjson.Get(delta, "delta.stop_reason").String())
	require.EqualValues(t, 5, gjson.Get(delta, "usage.input_tokens").Int())
	require.EqualValues(t, 5, gjson.Get(delta, "usage.output_tokens").Int())
}

func TestStreamToolUse(t *testing.T) {
	request := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "extract"}],
		"tools": [{"name": "7zip_extract", "input_schema": {"type": "object", "properties": {"archive": {"type": "string"}}}}]
	}`)
	events := collect(t, "claude-sonnet-4-5", request, []string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"t_7zip_extract","id":"toolu_9","args":{"archive":"a.7z"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}}`,
		`[DONE]`,
	})

	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types(events))

	start := events[1]
	require.Equal(t, "tool_use", gjson.Get(start, "content_block.type").String())
	require.Equal(t, "toolu_9", gjson.Get(start, "content_block.id").String())
	require.Equal(t, "7zip_extract", gjson.Get(start, "content_block.name").String())

	partial := gjson.Get(events[2], "delta.partial_json").String()
	require.Equal(t, "a.7z", gjson.Get(partial, "archive").String())

	require.Equal(t, "tool_use", gjson.Get(events[4], "delta.stop_reason").String())
}

func TestStreamDoneWithoutFinishStillTerminates(t *testing.T) {
	request := []byte(`{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	events := collect(t, "claude-sonnet-4-5", request, []string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}}`,
		`[DONE]`,
	})

	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types(events))
	require.Equal(t, "end_turn", gjson.Get(events[4], "delta.stop_reason").String())
}

func TestNonStreamMessageShape(t *testing.T) {
	request := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "list files"}],
		"tools": [{"name": "ls", "input_schema": {"type": "object", "properties": {"path": {"type": "string"}}}}]
	}`)
	body := `{"response":{
		"responseId": "r77",
		"modelVersion": "claude-sonnet-4-5",
		"candidates": [{"content":{"parts":[
			{"text":"planning","thought":true,"thoughtSignature":"sigX"},
			{"text":"Listing now."},
			{"functionCall":{"name":"ls","id":"toolu_1","args":{"path":"/tmp"}}}
		]},"finishReason":"STOP"}],
		"usageMetadata": {"promptTokenCount":7,"candidatesTokenCount":5,"thoughtsTokenCount":3,"totalTokenCount":15}
	}}`

	out := ConvertGeminiResponseToClaudeNonStream(context.Background(), "claude-sonnet-4-5", request, request, []byte(body), nil)
	res := gjson.Parse(out)

	require.Equal(t, "msg_r77", res.Get("id").String())
	require.Equal(t, "message", res.Get("type").String())
	require.Equal(t, "assistant", res.Get("role").String())

	content := res.Get("content").Array()
	require.Len(t, content, 3)
	require.Equal(t, "thinking", content[0].Get("type").String())
	require.Equal(t, "planning", content[0].Get("thinking").String())
	require.Equal(t, "sigX", content[0].Get("signature").String())
	require.Equal(t, "text", content[1].Get("type").String())
	require.Equal(t, "tool_use", content[2].Get("type").String())
	require.Equal(t, "/tmp", content[2].Get("input.path").String())

	require.Equal(t, "tool_use", res.Get("stop_reason").String())
	require.EqualValues(t, 7, res.Get("usage.input_tokens").Int())
	require.EqualValues(t, 8, res.Get("usage.output_tokens").Int())
}

func TestTokenCountShape(t *testing.T) {
	out := ConvertGeminiTokenCountToClaude(context.Background(), 99)
	require.EqualValues(t, 99, gjson.Get(out, "input_tokens").Int())
}
