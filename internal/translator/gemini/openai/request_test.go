package openai

import (
	"testing"

	"github.com/agentgate-dev/agentgate/internal/signature"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestConvertRequestBasicConversation(t *testing.T) {
	raw := []byte(`{
		"model": "gemini-3-pro",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi there"},
			{"role": "user", "content": "how are you?"}
		],
		"temperature": 0.5,
		"top_p": 0.9,
		"max_tokens": 1024,
		"stop": ["END"]
	}`)

	out := ConvertOpenAIRequestToGemini("gemini-3-pro", raw, false)
	body := gjson.ParseBytes(out)

	require.Equal(t, "gemini-3-pro", body.Get("model").String())
	require.Equal(t, "antigravity", body.Get("userAgent").String())
	require.Equal(t, "agent", body.Get("requestType").String())
	require.True(t, gjson.Valid(string(out)))
	require.Regexp(t, `^agent-[0-9a-f-]{36}$`, body.Get("requestId").String())

	require.Equal(t, "Be terse.", body.Get("request.systemInstruction.parts.0.text").String())

	contents := body.Get("request.contents").Array()
	require.Len(t, contents, 3)
	require.Equal(t, "user", contents[0].Get("role").String())
	require.Equal(t, "hello", contents[0].Get("parts.0.text").String())
	require.Equal(t, "model", contents[1].Get("role").String())
	require.Equal(t, "hi there", contents[1].Get("parts.0.text").String())

	cfg := body.Get("request.generationConfig")
	require.InDelta(t, 0.5, cfg.Get("temperature").Float(), 1e-9)
	require.InDelta(t, 0.9, cfg.Get("topP").Float(), 1e-9)
	require.EqualValues(t, 1024, cfg.Get("maxOutputTokens").Int())
	require.Equal(t, "END", cfg.Get("stopSequences.0").String())
	require.False(t, cfg.Get("thinkingConfig").Exists())
}

func TestConvertRequestSessionIDStableAcrossRetries(t *testing.T) {
	raw := []byte(`{"model":"m","messages":[{"role":"user","content":"same conversation"}]}`)
	first := ConvertOpenAIRequestToGemini("m", raw, false)
	second := ConvertOpenAIRequestToGemini("m", raw, false)

	require.Equal(t,
		gjson.GetBytes(first, "sessionId").String(),
		gjson.GetBytes(second, "sessionId").String())
	require.NotEqual(t,
		gjson.GetBytes(first, "requestId").String(),
		gjson.GetBytes(second, "requestId").String())
}

func TestConvertRequestToolCycle(t *testing.T) {
	raw := []byte(`{
		"model": "gemini-3-pro",
		"messages": [
			{"role": "user", "content": "weather in berlin?"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"berlin\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny, 21C"}
		],
		"tools": [
			{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object", "properties": {"city": {"type": "string"}}}}}
		]
	}`)

	out := ConvertOpenAIRequestToGemini("gemini-3-pro", raw, false)
	body := gjson.ParseBytes(out)

	decls := body.Get("request.tools.0.functionDeclarations")
	require.Len(t, decls.Array(), 1)
	require.Equal(t, "get_weather", decls.Get("0.name").String())

	contents := body.Get("request.contents").Array()
	require.Len(t, contents, 3)

	call := contents[1]
	require.Equal(t, "model", call.Get("role").String())
	require.Equal(t, "get_weather", call.Get("parts.0.functionCall.name").String())
	require.Equal(t, "berlin", call.Get("parts.0.functionCall.args.city").String())
	require.Equal(t, "call_1", call.Get("parts.0.functionCall.id").String())
	require.Equal(t, signature.SkipValidator, call.Get("parts.0.thoughtSignature").String())

	result := contents[2]
	require.Equal(t, "user", result.Get("role").String())
	require.Equal(t, "get_weather", result.Get("parts.0.functionResponse.name").String())
	require.Equal(t, "call_1", result.Get("parts.0.functionResponse.id").String())
	require.Equal(t, "sunny, 21C", result.Get("parts.0.functionResponse.response.result").String())

	sys := body.Get("request.systemInstruction.parts").Array()
	require.NotEmpty(t, sys)
	require.Contains(t, sys[len(sys)-1].Get("text").String(), "structured function call")
}

func TestConvertRequestDropsUnansweredToolCalls(t *testing.T) {
	raw := []byte(`{
		"model": "m",
		"messages": [
			{"role": "user", "content": "go"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "answered", "type": "function", "function": {"name": "a", "arguments": "{}"}},
				{"id": "dangling", "type": "function", "function": {"name": "b", "arguments": "{}"}}
			]},
			{"role": "tool", "tool_call_id": "answered", "content": "ok"}
		]
	}`)

	out := ConvertOpenAIRequestToGemini("m", raw, false)
	contents := gjson.GetBytes(out, "request.contents").Array()

	var calls, responses []string
	for _, msg := range contents {
		msg.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if fc := part.Get("functionCall"); fc.Exists() {
				calls = append(calls, fc.Get("id").String())
			}
			if fr := part.Get("functionResponse"); fr.Exists() {
				responses = append(responses, fr.Get("id").String())
			}
			return true
		})
	}
	require.Equal(t, []string{"answered"}, calls)
	require.Equal(t, []string{"answered"}, responses)
}

func TestConvertRequestStaleToolResultDropped(t *testing.T) {
	raw := []byte(`{
		"model": "m",
		"messages": [
			{"role": "user", "content": "first"},
			{"role": "tool", "tool_call_id": "ghost", "content": "orphan result"}
		]
	}`)

	out := ConvertOpenAIRequestToGemini("m", raw, false)
	contents := gjson.GetBytes(out, "request.contents").Array()
	require.Len(t, contents, 1)
	require.Equal(t, "first", contents[0].Get("parts.0.text").String())
}

func TestConvertRequestReasoningEffortBudgets(t *testing.T) {
	cases := map[string]int64{
		"none":   0,
		"low":    1024,
		"medium": 10000,
		"high":   32000,
	}
	for effort, budget := range cases {
		raw := []byte(`{"model":"m","reasoning_effort":"` + effort + `","messages":[{"role":"user","content":"x"}]}`)
		out := ConvertOpenAIRequestToGemini("m", raw, false)
		cfg := gjson.GetBytes(out, "request.generationConfig.thinkingConfig")
		require.True(t, cfg.Exists(), "effort %s", effort)
		require.EqualValues(t, budget, cfg.Get("thinkingBudget").Int(), "effort %s", effort)
		require.Equal(t, budget != 0, cfg.Get("include_thoughts").Bool(), "effort %s", effort)
	}
}

func TestConvertRequestImageParts(t *testing.T) {
	raw := []byte(`{
		"model": "m",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "what is this?"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,aGVsbG8="}},
				{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}}
			]}
		]
	}`)

	out := ConvertOpenAIRequestToGemini("m", raw, false)
	parts := gjson.GetBytes(out, "request.contents.0.parts").Array()
	require.Len(t, parts, 3)
	require.Equal(t, "what is this?", parts[0].Get("text").String())
	require.Equal(t, "image/png", parts[1].Get("inlineData.mimeType").String())
	require.Equal(t, "aGVsbG8=", parts[1].Get("inlineData.data").String())
	require.Equal(t, "https://example.com/cat.png", parts[2].Get("fileData.fileUri").String())
}

func TestSanitizeContentsPairing(t *testing.T) {
	contents := []byte(`[
		{"role":"user","parts":[{"text":"go"}]},
		{"role":"model","parts":[{"functionCall":{"name":"a","args":{},"id":"one"}}]},
		{"role":"user","parts":[{"functionResponse":{"name":"a","id":"one","response":{"result":"ok"}}},{"text":"stray text"}]},
		{"role":"model","parts":[{"functionCall":{"name":"b","args":{},"id":"never_answered"}}]}
	]`)

	fixed := gjson.ParseBytes(SanitizeContents(contents)).Array()
	require.Len(t, fixed, 3)
	require.Equal(t, "one", fixed[1].Get("parts.0.functionCall.id").String())
	parts := fixed[2].Get("parts").Array()
	require.Len(t, parts, 1)
	require.True(t, parts[0].Get("functionResponse").Exists())
}

func TestGroupFunctionResponsesMergesRuns(t *testing.T) {
	contents := []byte(`[
		{"role":"user","parts":[{"functionResponse":{"name":"a","id":"1","response":{"result":"x"}}}]},
		{"role":"user","parts":[{"functionResponse":{"name":"b","id":"2","response":{"result":"y"}}}]},
		{"role":"user","parts":[{"text":"plain"}]}
	]`)

	grouped := gjson.ParseBytes(GroupFunctionResponses(contents)).Array()
	require.Len(t, grouped, 2)
	require.Len(t, grouped[0].Get("parts").Array(), 2)
	require.Equal(t, "plain", grouped[1].Get("parts.0.text").String())
}

func TestSplitMixedModelMessages(t *testing.T) {
	contents := []byte(`[
		{"role":"model","parts":[{"text":"thinking done"},{"functionCall":{"name":"a","args":{},"id":"1"}}]}
	]`)

	split := gjson.ParseBytes(SplitMixedModelMessages(contents)).Array()
	require.Len(t, split, 2)
	require.Equal(t, "thinking done", split[0].Get("parts.0.text").String())
	require.True(t, split[1].Get("parts.0.functionCall").Exists())
}
