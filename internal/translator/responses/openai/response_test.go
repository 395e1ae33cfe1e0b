package openai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func streamAll(t *testing.T, model string, request []byte, lines []string) []string {
	t.Helper()
	var param any
	var chunks []string
	for _, line := range lines {
		chunks = append(chunks, ConvertResponsesResponseToOpenAI(context.Background(), model, request, request, []byte(line), &param)...)
	}
	return chunks
}

func TestStreamTextAndReasoningDeltas(t *testing.T) {
	request := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	lines := []string{
		`data: {"type":"response.created","response":{"id":"resp_1","created_at":1700000000,"model":"gpt-5-codex"}}`,
		`data: {"type":"response.reasoning_summary_text.delta","delta":"thinking"}`,
		`data: {"type":"response.reasoning_summary_text.done"}`,
		`data: {"type":"response.output_text.delta","delta":"Hello"}`,
		`data: {"type":"response.output_text.delta","delta":" world"}`,
		`data: {"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":9,"output_tokens":4,"total_tokens":13,"output_tokens_details":{"reasoning_tokens":2}}}}`,
		`[DONE]`,
	}

	chunks := streamAll(t, "gpt-5-codex", request, lines)
	require.Len(t, chunks, 5)

	first := gjson.Parse(chunks[0])
	require.Equal(t, "chatcmpl-resp_1", first.Get("id").String())
	require.Equal(t, int64(1700000000), first.Get("created").Int())
	require.Equal(t, "gpt-5-codex", first.Get("model").String())
	require.Equal(t, "assistant", first.Get("choices.0.delta.role").String())
	require.Equal(t, "thinking", first.Get("choices.0.delta.reasoning_content").String())

	require.Equal(t, "\n\n", gjson.Get(chunks[1], "choices.0.delta.reasoning_content").String())
	require.False(t, gjson.Get(chunks[1], "choices.0.delta.role").Exists(), "role only on the first chunk")
	require.Equal(t, "Hello", gjson.Get(chunks[2], "choices.0.delta.content").String())
	require.Equal(t, " world", gjson.Get(chunks[3], "choices.0.delta.content").String())

	final := gjson.Parse(chunks[4])
	require.Equal(t, "stop", final.Get("choices.0.finish_reason").String())
	require.Equal(t, "completed", final.Get("choices.0.native_finish_reason").String())
	require.Equal(t, int64(9), final.Get("usage.prompt_tokens").Int())
	require.Equal(t, int64(4), final.Get("usage.completion_tokens").Int())
	require.Equal(t, int64(13), final.Get("usage.total_tokens").Int())
	require.Equal(t, int64(2), final.Get("usage.completion_tokens_details.reasoning_tokens").Int())
}

func TestStreamFunctionCallArgumentFragments(t *testing.T) {
	request := []byte(`{"messages":[{"role":"user","content":"list"}]}`)
	lines := []string{
		`data: {"type":"response.created","response":{"id":"resp_2","created_at":1700000001,"model":"gpt-5-codex"}}`,
		`data: {"type":"response.output_item.added","item":{"type":"function_call","id":"fc_1","call_id":"call_9","name":"ls"}}`,
		`data: {"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"{\"path\""}`,
		`data: {"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":":\".\"}"}`,
		`data: {"type":"response.output_item.done","item":{"type":"function_call","id":"fc_1","call_id":"call_9","name":"ls","arguments":"{\"path\":\".\"}"}}`,
		`data: {"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":3,"output_tokens":1,"total_tokens":4}}}`,
	}

	chunks := streamAll(t, "gpt-5-codex", request, lines)
	require.Len(t, chunks, 4, "done is silent when the call already streamed")

	open := gjson.Get(chunks[0], "choices.0.delta.tool_calls.0")
	require.Equal(t, int64(0), open.Get("index").Int())
	require.Equal(t, "call_9", open.Get("id").String())
	require.Equal(t, "ls", open.Get("function.name").String())
	require.Equal(t, "", open.Get("function.arguments").String())

	require.Equal(t, `{"path"`, gjson.Get(chunks[1], "choices.0.delta.tool_calls.0.function.arguments").String())
	require.Equal(t, `:"."}`, gjson.Get(chunks[2], "choices.0.delta.tool_calls.0.function.arguments").String())

	require.Equal(t, "tool_calls", gjson.Get(chunks[3], "choices.0.finish_reason").String())
}

func TestStreamBareFunctionCallDone(t *testing.T) {
	request := []byte(`{"messages":[{"role":"user","content":"list"}]}`)
	lines := []string{
		`data: {"type":"response.created","response":{"id":"resp_4"}}`,
		`data: {"type":"response.output_item.done","item":{"type":"function_call","id":"fc_2","call_id":"call_3","name":"ls","arguments":"{\"path\":\"/\"}"}}`,
	}

	chunks := streamAll(t, "gpt-5-codex", request, lines)
	require.Len(t, chunks, 2)
	require.Equal(t, "ls", gjson.Get(chunks[0], "choices.0.delta.tool_calls.0.function.name").String())
	require.Equal(t, `{"path":"/"}`, gjson.Get(chunks[1], "choices.0.delta.tool_calls.0.function.arguments").String())
}

func TestStreamIncompleteMapsToLength(t *testing.T) {
	request := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	lines := []string{
		`data: {"type":"response.created","response":{"id":"resp_5"}}`,
		`data: {"type":"response.output_text.delta","delta":"partial"}`,
		`data: {"type":"response.incomplete","response":{"status":"incomplete","usage":{"input_tokens":2,"output_tokens":1,"total_tokens":3}}}`,
	}

	chunks := streamAll(t, "gpt-5-codex", request, lines)
	require.Len(t, chunks, 2)
	require.Equal(t, "length", gjson.Get(chunks[1], "choices.0.finish_reason").String())
	require.Equal(t, "incomplete", gjson.Get(chunks[1], "choices.0.native_finish_reason").String())
}

func TestStreamIgnoresUnknownEvents(t *testing.T) {
	request := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	lines := []string{
		`data: {"type":"response.in_progress"}`,
		`data: {"type":"response.output_item.added","item":{"type":"message"}}`,
		``,
		`data: not-json`,
	}

	chunks := streamAll(t, "gpt-5-codex", request, lines)
	require.Empty(t, chunks)
}

func TestNonStreamWalksOutputItems(t *testing.T) {
	request := []byte(`{
		"messages":[{"role":"user","content":"list"}],
		"tools":[{"type":"function","function":{"name":"ls","parameters":{"type":"object","properties":{"path":{"type":"string"}}}}}]
	}`)
	raw := []byte(`{
		"id": "resp_3",
		"created_at": 1700000002,
		"model": "gpt-5-codex",
		"status": "completed",
		"output": [
			{"type": "reasoning", "summary": [{"type": "summary_text", "text": "scan the tree"}]},
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "Running ls."}]},
			{"type": "function_call", "call_id": "call_7", "name": "ls", "arguments": "{\"path\":\"/tmp\"}"}
		],
		"usage": {"input_tokens": 11, "output_tokens": 6, "total_tokens": 17}
	}`)

	out := ConvertResponsesResponseToOpenAINonStream(context.Background(), "gpt-5-codex", request, request, raw, nil)
	root := gjson.Parse(out)

	require.Equal(t, "chatcmpl-resp_3", root.Get("id").String())
	require.Equal(t, "chat.completion", root.Get("object").String())
	require.Equal(t, "Running ls.", root.Get("choices.0.message.content").String())
	require.Equal(t, "scan the tree", root.Get("choices.0.message.reasoning_content").String())
	require.Equal(t, "call_7", root.Get("choices.0.message.tool_calls.0.id").String())
	require.Equal(t, `{"path":"/tmp"}`, root.Get("choices.0.message.tool_calls.0.function.arguments").String())
	require.Equal(t, "tool_calls", root.Get("choices.0.finish_reason").String())
	require.Equal(t, int64(11), root.Get("usage.prompt_tokens").Int())
	require.Equal(t, int64(17), root.Get("usage.total_tokens").Int())
}

func TestTokenCountShape(t *testing.T) {
	out := ConvertResponsesTokenCountToOpenAI(context.Background(), 42)
	require.Equal(t, int64(42), gjson.Get(out, "input_tokens").Int())
	require.Equal(t, "token_count", gjson.Get(out, "object").String())
}
