package claude

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func collect(t *testing.T, request []byte, lines []string) []string {
	t.Helper()
	var param any
	var events []string
	for _, line := range lines {
		events = append(events, ConvertOpenAIResponseToClaude(context.Background(), "qwen3-coder-plus", request, request, []byte(line), &param)...)
	}
	return events
}

func types(events []string) []string {
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, gjson.Get(event, "type").String())
	}
	return out
}

func TestStreamTextTurn(t *testing.T) {
	request := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	lines := []string{
		`data: {"id":"chatcmpl-abc","object":"chat.completion.chunk","created":1700000000,"model":"qwen3-coder-plus","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-abc","object":"chat.completion.chunk","created":1700000000,"model":"qwen3-coder-plus","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-abc","object":"chat.completion.chunk","created":1700000000,"model":"qwen3-coder-plus","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		`data: [DONE]`,
	}

	events := collect(t, request, lines)
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types(events))

	require.Equal(t, "msg_abc", gjson.Get(events[0], "message.id").String())
	require.Equal(t, "qwen3-coder-plus", gjson.Get(events[0], "message.model").String())
	require.Equal(t, "text", gjson.Get(events[1], "content_block.type").String())
	require.Equal(t, "Hel", gjson.Get(events[2], "delta.text").String())
	require.Equal(t, "lo", gjson.Get(events[3], "delta.text").String())
	require.Equal(t, "end_turn", gjson.Get(events[5], "delta.stop_reason").String())
	require.Equal(t, int64(5), gjson.Get(events[5], "usage.input_tokens").Int())
	require.Equal(t, int64(2), gjson.Get(events[5], "usage.output_tokens").Int())
}

func TestStreamReasoningThenText(t *testing.T) {
	request := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	lines := []string{
		`data: {"id":"chatcmpl-r","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"mull it over"},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-r","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"Answer"},"finish_reason":null}]}`,
		`data: [DONE]`,
	}

	events := collect(t, request, lines)
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types(events))

	require.Equal(t, "thinking", gjson.Get(events[1], "content_block.type").String())
	require.Equal(t, "mull it over", gjson.Get(events[2], "delta.thinking").String())
	require.Equal(t, int64(0), gjson.Get(events[1], "index").Int())
	require.Equal(t, "text", gjson.Get(events[4], "content_block.type").String())
	require.Equal(t, int64(1), gjson.Get(events[4], "index").Int())
	require.Equal(t, "end_turn", gjson.Get(events[7], "delta.stop_reason").String())
}

func TestStreamToolCallFragments(t *testing.T) {
	request := []byte(`{
		"messages":[{"role":"user","content":"read"}],
		"tools":[{"name":"read_file","input_schema":{"type":"object","properties":{"path":{"type":"string"}}}}]
	}`)
	lines := []string{
		`data: {"id":"chatcmpl-t","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":""}}]},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-t","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\""}}]},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-t","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"a.go\"}"}}]},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-t","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`,
		`data: [DONE]`,
	}

	events := collect(t, request, lines)
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types(events))

	require.Equal(t, "tool_use", gjson.Get(events[1], "content_block.type").String())
	require.Equal(t, "call_1", gjson.Get(events[1], "content_block.id").String())
	require.Equal(t, "read_file", gjson.Get(events[1], "content_block.name").String())
	require.Equal(t, `{"path"`, gjson.Get(events[2], "delta.partial_json").String())
	require.Equal(t, `:"a.go"}`, gjson.Get(events[3], "delta.partial_json").String())
	require.Equal(t, "tool_use", gjson.Get(events[5], "delta.stop_reason").String())
}

func TestStreamWholeArgsNormalized(t *testing.T) {
	request := []byte(`{
		"messages":[{"role":"user","content":"list"}],
		"tools":[{"name":"ls","input_schema":{"type":"object","properties":{"paths":{"type":"array"}}}}]
	}`)
	lines := []string{
		`data: {"id":"chatcmpl-n","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_2","type":"function","function":{"name":"ls","arguments":"{\"paths\":\"[\\\"a\\\",\\\"b\\\"]\"}"}}]},"finish_reason":null}]}`,
		`data: [DONE]`,
	}

	events := collect(t, request, lines)
	partial := gjson.Get(events[2], "delta.partial_json").String()
	require.Equal(t, `{"paths":["a","b"]}`, partial, "stringified array parsed back per schema")
}

func TestStreamUsageArrivesAfterFinish(t *testing.T) {
	request := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	lines := []string{
		`data: {"id":"chatcmpl-u","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"ok"},"finish_reason":null}]}`,
		`data: {"id":"chatcmpl-u","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`data: {"id":"chatcmpl-u","object":"chat.completion.chunk","model":"m","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":1}}`,
		`data: [DONE]`,
	}

	events := collect(t, request, lines)
	deltas := 0
	for _, event := range events {
		if gjson.Get(event, "type").String() == "message_delta" {
			deltas++
			require.Equal(t, int64(4), gjson.Get(event, "usage.input_tokens").Int())
		}
	}
	require.Equal(t, 1, deltas, "message_delta emitted once with late usage")
	require.Equal(t, "message_stop", gjson.Get(events[len(events)-1], "type").String())
}

func TestNonStreamMessageShape(t *testing.T) {
	request := []byte(`{
		"messages":[{"role":"user","content":"read"}],
		"tools":[{"name":"read_file","input_schema":{"type":"object","properties":{"path":{"type":"string"}}}}]
	}`)
	raw := []byte(`{
		"id": "chatcmpl-full",
		"object": "chat.completion",
		"model": "qwen3-coder-plus",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": "Reading now.",
				"reasoning_content": "need the file",
				"tool_calls": [{"id": "call_5", "type": "function", "function": {"name": "read_file", "arguments": "{\"path\":\"main.go\"}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 9}
	}`)

	out := ConvertOpenAIResponseToClaudeNonStream(context.Background(), "qwen3-coder-plus", request, request, raw, nil)
	root := gjson.Parse(out)

	require.Equal(t, "msg_full", root.Get("id").String())
	require.Equal(t, "message", root.Get("type").String())

	blocks := root.Get("content").Array()
	require.Len(t, blocks, 3)
	require.Equal(t, "thinking", blocks[0].Get("type").String())
	require.Equal(t, "need the file", blocks[0].Get("thinking").String())
	require.Equal(t, "Reading now.", blocks[1].Get("text").String())
	require.Equal(t, "tool_use", blocks[2].Get("type").String())
	require.Equal(t, "main.go", blocks[2].Get("input.path").String())

	require.Equal(t, "tool_use", root.Get("stop_reason").String())
	require.Equal(t, int64(12), root.Get("usage.input_tokens").Int())
	require.Equal(t, int64(9), root.Get("usage.output_tokens").Int())
}

func TestTokenCountShape(t *testing.T) {
	out := ConvertOpenAITokenCountToClaude(context.Background(), 99)
	require.Equal(t, `{"input_tokens":99}`, out)
}
