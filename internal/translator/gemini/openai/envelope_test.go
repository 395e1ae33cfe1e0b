package openai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSessionIDDeterministic(t *testing.T) {
	a := SessionID([]byte(`{"messages":[{"role":"user","content":"hello world"}]}`))
	b := SessionID([]byte(`{"messages":[{"role":"system","content":"sys"},{"role":"user","content":"hello world"}]}`))
	c := SessionID([]byte(`{"messages":[{"role":"user","content":"different"}]}`))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, a)
}

func TestEnsureToolHardeningIdempotent(t *testing.T) {
	envelope := []byte(`{"request":{"systemInstruction":{"role":"user","parts":[{"text":"base"}]},"tools":[{"functionDeclarations":[{"name":"f"}]}],"contents":[]}}`)

	once := EnsureToolHardening(envelope)
	twice := EnsureToolHardening(once)

	parts := gjson.GetBytes(twice, "request.systemInstruction.parts").Array()
	require.Len(t, parts, 2)
	require.Equal(t, "base", parts[0].Get("text").String())
	require.Contains(t, parts[1].Get("text").String(), "structured function call")
}

func TestEnsureToolHardeningSkipsToollessRequests(t *testing.T) {
	envelope := []byte(`{"request":{"contents":[]}}`)
	out := EnsureToolHardening(envelope)
	require.False(t, gjson.GetBytes(out, "request.systemInstruction").Exists())
}

func TestThoughtSignatureRoundTrip(t *testing.T) {
	request := []byte(`{"model":"sigmodel","messages":[{"role":"user","content":"sig convo"}]}`)
	var param any
	ConvertGeminiResponseToOpenAI(context.Background(), "sigmodel", request, request,
		[]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"deep thought","thought":true,"thoughtSignature":"sig-abc"}]}}]}}`), &param)

	followup := []byte(`{
		"model": "sigmodel",
		"messages": [
			{"role": "user", "content": "sig convo"},
			{"role": "assistant", "reasoning_content": "deep thought", "content": "done"},
			{"role": "user", "content": "next"}
		]
	}`)
	out := ConvertOpenAIRequestToGemini("sigmodel", followup, false)
	parts := gjson.GetBytes(out, "request.contents.1.parts").Array()
	require.Equal(t, "deep thought", parts[0].Get("text").String())
	require.True(t, parts[0].Get("thought").Bool())
	require.Equal(t, "sig-abc", parts[0].Get("thoughtSignature").String())
}

func TestThoughtWithoutCachedSignatureDropped(t *testing.T) {
	raw := []byte(`{
		"model": "m2",
		"messages": [
			{"role": "user", "content": "no sig convo"},
			{"role": "assistant", "reasoning_content": "uncached thought", "content": "visible"},
			{"role": "user", "content": "next"}
		]
	}`)
	out := ConvertOpenAIRequestToGemini("m2", raw, false)
	model := gjson.GetBytes(out, "request.contents.1")
	require.Len(t, model.Get("parts").Array(), 1)
	require.Equal(t, "visible", model.Get("parts.0.text").String())
}
