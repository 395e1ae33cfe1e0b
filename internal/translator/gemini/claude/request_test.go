package claude

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestConvertRequestClaudeEnvelopeDefaults(t *testing.T) {
	raw := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 2048,
		"system": "Answer briefly.",
		"messages": [{"role": "user", "content": "hello"}],
		"tools": [{"name": "get_weather", "description": "Weather lookup", "input_schema": {"$schema": "http://json-schema.org/draft-07/schema#", "type": "object", "properties": {"city": {"type": "string"}}}}]
	}`)

	out := ConvertClaudeRequestToGemini("claude-sonnet-4-5", raw, false)
	body := gjson.ParseBytes(out)

	require.Equal(t, "claude-sonnet-4-5", body.Get("model").String())
	require.Equal(t, "antigravity", body.Get("userAgent").String())

	sys := body.Get("request.systemInstruction.parts").Array()
	require.GreaterOrEqual(t, len(sys), 2)
	require.Contains(t, sys[0].Get("text").String(), "coding agent")
	require.Equal(t, "Answer briefly.", sys[1].Get("text").String())

	cfg := body.Get("request.generationConfig")
	require.EqualValues(t, 64000, cfg.Get("maxOutputTokens").Int())
	require.EqualValues(t, 16384, cfg.Get("thinkingConfig.thinkingBudget").Int())
	require.True(t, cfg.Get("thinkingConfig.include_thoughts").Bool())

	require.Equal(t, "VALIDATED", body.Get("request.toolConfig.functionCallingConfig.mode").String())

	decl := body.Get("request.tools.0.functionDeclarations.0")
	require.Equal(t, "get_weather", decl.Get("name").String())
	require.False(t, decl.Get("parameters.$schema").Exists())
	require.Equal(t, "object", decl.Get("parameters.type").String())
}

func TestConvertRequestDigitToolNamesPrefixed(t *testing.T) {
	raw := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": "run it"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "7zip_extract", "input": {"archive": "a.7z"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "done"}
			]}
		],
		"tools": [{"name": "7zip_extract", "input_schema": {"type": "object", "properties": {"archive": {"type": "string"}}}}]
	}`)

	out := ConvertClaudeRequestToGemini("claude-sonnet-4-5", raw, false)
	body := gjson.ParseBytes(out)

	require.Equal(t, "t_7zip_extract", body.Get("request.tools.0.functionDeclarations.0.name").String())

	var callName, responseName string
	body.Get("request.contents").ForEach(func(_, msg gjson.Result) bool {
		msg.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if fc := part.Get("functionCall"); fc.Exists() {
				callName = fc.Get("name").String()
			}
			if fr := part.Get("functionResponse"); fr.Exists() {
				responseName = fr.Get("name").String()
			}
			return true
		})
		return true
	})
	require.Equal(t, "t_7zip_extract", callName)
	require.Equal(t, "t_7zip_extract", responseName)
}

func TestConvertRequestThinkingBlockKeepsSignature(t *testing.T) {
	raw := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": "question"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "step one", "signature": "c2lnbmF0dXJl"},
				{"type": "text", "text": "answer"}
			]},
			{"role": "user", "content": "follow up"}
		]
	}`)

	out := ConvertClaudeRequestToGemini("claude-sonnet-4-5", raw, false)
	parts := gjson.GetBytes(out, "request.contents.1.parts").Array()

	require.Equal(t, "step one", parts[0].Get("text").String())
	require.True(t, parts[0].Get("thought").Bool())
	require.Equal(t, "c2lnbmF0dXJl", parts[0].Get("thoughtSignature").String())
	require.Equal(t, "answer", parts[1].Get("text").String())
}

func TestConvertRequestExplicitThinkingOverridesDefault(t *testing.T) {
	raw := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"thinking": {"type": "enabled", "budget_tokens": 4096},
		"messages": [{"role": "user", "content": "x"}]
	}`)
	out := ConvertClaudeRequestToGemini("claude-sonnet-4-5", raw, false)
	require.EqualValues(t, 4096, gjson.GetBytes(out, "request.generationConfig.thinkingConfig.thinkingBudget").Int())

	disabled := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"thinking": {"type": "disabled"},
		"messages": [{"role": "user", "content": "x"}]
	}`)
	out = ConvertClaudeRequestToGemini("claude-sonnet-4-5", disabled, false)
	require.EqualValues(t, 0, gjson.GetBytes(out, "request.generationConfig.thinkingConfig.thinkingBudget").Int())
	require.False(t, gjson.GetBytes(out, "request.generationConfig.thinkingConfig.include_thoughts").Bool())
}

func TestConvertRequestNonClaudeModelHonoursMaxTokens(t *testing.T) {
	raw := []byte(`{
		"model": "gemini-3-flash",
		"max_tokens": 2048,
		"messages": [{"role": "user", "content": "x"}]
	}`)
	out := ConvertClaudeRequestToGemini("gemini-3-flash", raw, false)
	require.EqualValues(t, 2048, gjson.GetBytes(out, "request.generationConfig.maxOutputTokens").Int())
	require.False(t, gjson.GetBytes(out, "request.toolConfig").Exists())

	sys := gjson.GetBytes(out, "request.systemInstruction.parts").Array()
	require.Len(t, sys, 1)
	require.Contains(t, sys[0].Get("text").String(), "coding agent")
}

func TestConvertRequestImageBlock(t *testing.T) {
	raw := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "describe"},
			{"type": "image", "source": {"type": "base64", "media_type": "image/jpeg", "data": "aW1n"}}
		]}]
	}`)
	out := ConvertClaudeRequestToGemini("claude-sonnet-4-5", raw, false)
	parts := gjson.GetBytes(out, "request.contents.0.parts").Array()
	require.Len(t, parts, 2)
	require.Equal(t, "image/jpeg", parts[1].Get("inlineData.mimeType").String())
	require.Equal(t, "aW1n", parts[1].Get("inlineData.data").String())
}
