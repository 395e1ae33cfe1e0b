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
	var out []string
	for _, line := range lines {
		out = append(out, ConvertGeminiResponseToOpenAI(context.Background(), model, request, request, []byte(line), &param)...)
	}
	return out
}

func TestStreamRoleSentOnce(t *testing.T) {
	request := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	chunks := streamAll(t, "m", request, []string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"lo"}]}}]}}`,
		`data: {"response":{"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}}`,
		`[DONE]`,
	})

	require.Len(t, chunks, 4)
	require.Equal(t, "assistant", gjson.Get(chunks[0], "choices.0.delta.role").String())
	require.Equal(t, "Hel", gjson.Get(chunks[0], "choices.0.delta.content").String())
	for _, c := range chunks[1:3] {
		require.False(t, gjson.Get(c, "choices.0.delta.role").Type == gjson.String, "role must appear only once, got %s", c)
	}
	require.Equal(t, "lo", gjson.Get(chunks[1], "choices.0.delta.content").String())
	require.Equal(t, "stop", gjson.Get(chunks[2], "choices.0.finish_reason").String())

	usage := gjson.Get(chunks[3], "usage")
	require.True(t, usage.Exists())
	require.EqualValues(t, 3, usage.Get("prompt_tokens").Int())
	require.EqualValues(t, 2, usage.Get("completion_tokens").Int())
	require.EqualValues(t, 5, usage.Get("total_tokens").Int())
	require.Empty(t, gjson.Get(chunks[3], "choices").Array())
}

func TestStreamThoughtBecomesReasoningContent(t *testing.T) {
	request := []byte(`{"model":"m","reasoning":{"effort":"medium"},"messages":[{"role":"user","content":"think"}]}`)
	chunks := streamAll(t, "m", request, []string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"pondering...","thought":true}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"answer"}]}}]}}`,
	})

	require.Len(t, chunks, 2)
	require.Equal(t, "pondering...", gjson.Get(chunks[0], "choices.0.delta.reasoning_content").String())
	require.False(t, gjson.Get(chunks[0], "choices.0.delta.content").Type == gjson.String)
	require.Equal(t, "answer", gjson.Get(chunks[1], "choices.0.delta.content").String())
}

func TestStreamReasoningSuppressedWhenEffortNone(t *testing.T) {
	request := []byte(`{"model":"m","reasoning_effort":"none","messages":[{"role":"user","content":"x"}]}`)
	chunks := streamAll(t, "m", request, []string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"hidden","thought":true}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"visible"}]}}]}}`,
	})

	require.Len(t, chunks, 1)
	require.Equal(t, "visible", gjson.Get(chunks[0], "choices.0.delta.content").String())
}

func TestStreamReasoningSuppressedWithoutDirective(t *testing.T) {
	request := []byte(`{"model":"m","stream":true,"messages":[{"role":"user","content":"x"}]}`)
	chunks := streamAll(t, "m", request, []string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"hidden thought","thought":true}]}}]}}`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"visible"}]}}]}}`,
	})

	require.Len(t, chunks, 1)
	require.Equal(t, "visible", gjson.Get(chunks[0], "choices.0.delta.content").String())
	require.False(t, gjson.Get(chunks[0], "choices.0.delta.reasoning_content").Type == gjson.String)
}

func TestStreamToolCallArgsNormalized(t *testing.T) {
	request := []byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": "list"}],
		"tools": [{"type": "function", "function": {"name": "run", "parameters": {"type": "object", "properties": {
			"command": {"type": "string"},
			"files": {"type": "array"}
		}}}}]
	}`)
	chunks := streamAll(t, "m", request, []string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"run","id":"call_9","args":{"command":"echo \"[1,2]\"","files":"[\"a.txt\",\"b.txt\"]"}}}]},"finishReason":"STOP"}]}}`,
	})

	require.Len(t, chunks, 1)
	tc := gjson.Get(chunks[0], "choices.0.delta.tool_calls.0")
	require.Equal(t, "call_9", tc.Get("id").String())
	require.Equal(t, "run", tc.Get("function.name").String())
	require.EqualValues(t, 0, tc.Get("index").Int())
	require.Equal(t, "tool_calls", gjson.Get(chunks[0], "choices.0.finish_reason").String())

	args := gjson.Parse(tc.Get("function.arguments").String())
	require.Equal(t, `echo "[1,2]"`, args.Get("command").String())
	require.True(t, args.Get("files").IsArray())
	require.Equal(t, "a.txt", args.Get("files.0").String())
}

func TestStreamIgnoresBlankAndMalformedLines(t *testing.T) {
	request := []byte(`{"model":"m","messages":[{"role":"user","content":"x"}]}`)
	chunks := streamAll(t, "m", request, []string{
		``,
		`data: `,
		`data: not-json`,
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}}`,
	})

	require.Len(t, chunks, 1)
	require.Equal(t, "ok", gjson.Get(chunks[0], "choices.0.delta.content").String())
}

func TestNonStreamAggregatesParts(t *testing.T) {
	request := []byte(`{"model":"m","reasoning":{"effort":"medium"},"messages":[{"role":"user","content":"x"}]}`)
	body := `{"response":{
		"responseId": "resp-1",
		"modelVersion": "gemini-3-pro-0825",
		"candidates": [{"content":{"parts":[
			{"text":"let me think","thought":true},
			{"text":"final answer"}
		]},"finishReason":"STOP"}],
		"usageMetadata": {"promptTokenCount":10,"thoughtsTokenCount":4,"candidatesTokenCount":6,"totalTokenCount":20}
	}}`

	out := ConvertGeminiResponseToOpenAINonStream(context.Background(), "m", request, request, []byte(body), nil)
	res := gjson.Parse(out)

	require.Equal(t, "chat.completion", res.Get("object").String())
	require.Equal(t, "chatcmpl-resp-1", res.Get("id").String())
	require.Equal(t, "gemini-3-pro-0825", res.Get("model").String())
	require.Equal(t, "final answer", res.Get("choices.0.message.content").String())
	require.Equal(t, "let me think", res.Get("choices.0.message.reasoning_content").String())
	require.Equal(t, "stop", res.Get("choices.0.finish_reason").String())
	require.EqualValues(t, 14, res.Get("usage.prompt_tokens").Int())
	require.EqualValues(t, 6, res.Get("usage.completion_tokens").Int())
	require.EqualValues(t, 4, res.Get("usage.completion_tokens_details.reasoning_tokens").Int())
}

func TestNonStreamReasoningSuppressedWithoutDirective(t *testing.T) {
	request := []byte(`{"model":"m","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	body := `{"response":{"candidates":[{"content":{"parts":[
		{"text":"hidden thought","thought":true},
		{"text":"final answer"}
	]},"finishReason":"STOP"}]}}`

	out := ConvertGeminiResponseToOpenAINonStream(context.Background(), "m", request, request, []byte(body), nil)
	res := gjson.Parse(out)

	require.Equal(t, "final answer", res.Get("choices.0.message.content").String())
	require.False(t, res.Get("choices.0.message.reasoning_content").Exists())
}

func TestTokenCountShape(t *testing.T) {
	out := ConvertGeminiTokenCountToOpenAI(context.Background(), 42)
	require.Equal(t, "token_count", gjson.Get(out, "object").String())
	require.EqualValues(t, 42, gjson.Get(out, "input_tokens").Int())
}
