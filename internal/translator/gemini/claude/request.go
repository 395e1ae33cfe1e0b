// Package claude converts Anthropic Messages traffic to and from the Code
// Assist generateContent wire format. It layers the Claude-specific
// envelope rules, validated tool calling, fixed output ceiling, default
// thinking budget, on top of the shared conversion helpers.
package claude

import (
	"strings"

	geminiopenai "github.com/agentgate-dev/agentgate/internal/translator/gemini/openai"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// agentSystemInstruction anchors agent behaviour for the models the
// backend exposes through the agent surface. It precedes any client
// system text.
const agentSystemInstruction = "You are an expert coding agent operating inside a development workspace. " +
	"Follow the user's instructions precisely, ground every answer in the provided context, and " +
	"prefer structured tool calls over prose whenever an action is required."

const (
	claudeMaxOutputTokens       = 64000
	claudeDefaultThinkingBudget = 16384
)

// ConvertClaudeRequestToGemini translates an Anthropic Messages request
// into a full Code Assist envelope. Content blocks map onto parts,
// thinking blocks keep their signatures, tool_use/tool_result pairs
// become functionCall/functionResponse pairs.
func ConvertClaudeRequestToGemini(modelName string, inputRawJSON []byte, _ bool) []byte {
	rawJSON := inputRawJSON

	out := []byte(`{"project":"","model":"","userAgent":"antigravity","requestType":"agent","requestId":"","sessionId":"","request":{"contents":[]}}`)
	out, _ = sjson.SetBytes(out, "model", modelName)
	out, _ = sjson.SetBytes(out, "requestId", geminiopenai.NewRequestID())
	sessionID := geminiopenai.SessionID(rawJSON)
	out, _ = sjson.SetBytes(out, "sessionId", sessionID)

	renames := wireToolNames(rawJSON)

	if needsAgentInstruction(modelName) {
		out = appendSystemText(out, agentSystemInstruction)
	}
	system := gjson.GetBytes(rawJSON, "system")
	switch {
	case system.Type == gjson.String && system.String() != "":
		out = appendSystemText(out, system.String())
	case system.IsArray():
		system.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" && block.Get("text").String() != "" {
				out = appendSystemText(out, block.Get("text").String())
			}
			return true
		})
	}

	useNames := toolUseNames(rawJSON, renames)
	gjson.GetBytes(rawJSON, "messages").ForEach(func(_, m gjson.Result) bool {
		switch m.Get("role").String() {
		case "user":
			node := userNode(m, useNames)
			if gjson.GetBytes(node, "parts.#").Int() > 0 {
				out, _ = sjson.SetRawBytes(out, "request.contents.-1", node)
			}
		case "assistant":
			node := assistantNode(m, renames)
			if gjson.GetBytes(node, "parts.#").Int() > 0 {
				out, _ = sjson.SetRawBytes(out, "request.contents.-1", node)
			}
		}
		return true
	})

	out = applyGenerationConfig(out, rawJSON, modelName)

	if decls := functionDeclarations(rawJSON, renames); decls != nil {
		out, _ = sjson.SetRawBytes(out, "request.tools.0.functionDeclarations", decls)
		if isClaudeModel(modelName) {
			out, _ = sjson.SetBytes(out, "request.toolConfig.functionCallingConfig.mode", "VALIDATED")
		}
	}

	contents := gjson.GetBytes(out, "request.contents")
	fixed := geminiopenai.SanitizeContents([]byte(contents.Raw))
	fixed = geminiopenai.GroupFunctionResponses(fixed)
	fixed = geminiopenai.SplitMixedModelMessages(fixed)
	out, _ = sjson.SetRawBytes(out, "request.contents", fixed)

	out = geminiopenai.EnsureToolHardening(out)
	out = geminiopenai.ApplyThoughtSignatures(out, modelName, sessionID)
	return out
}

// WireToolName prefixes identifiers the backend rejects. Function
// declaration names must not start with a digit.
func WireToolName(name string) string {
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		return "t_" + name
	}
	return name
}

func wireToolNames(rawJSON []byte) map[string]string {
	renames := make(map[string]string)
	gjson.GetBytes(rawJSON, "tools").ForEach(func(_, tool gjson.Result) bool {
		if name := tool.Get("name").String(); name != "" {
			renames[name] = WireToolName(name)
		}
		return true
	})
	return renames
}

// toolUseNames maps tool_use ids onto wire tool names so tool_result
// blocks can inherit the right functionResponse name.
func toolUseNames(rawJSON []byte, renames map[string]string) map[string]string {
	names := make(map[string]string)
	gjson.GetBytes(rawJSON, "messages").ForEach(func(_, m gjson.Result) bool {
		if m.Get("role").String() != "assistant" {
			return true
		}
		content := m.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() != "tool_use" {
				return true
			}
			id := block.Get("id").String()
			name := block.Get("name").String()
			if wire, ok := renames[name]; ok {
				name = wire
			} else {
				name = WireToolName(name)
			}
			if id != "" && name != "" {
				names[id] = name
			}
			return true
		})
		return true
	})
	return names
}

func needsAgentInstruction(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "claude") ||
		strings.HasPrefix(m, "gemini-3-pro") ||
		strings.HasPrefix(m, "gemini-3-flash")
}

func isClaudeModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "claude")
}

func appendSystemText(out []byte, text string) []byte {
	if !gjson.GetBytes(out, "request.systemInstruction").Exists() {
		out, _ = sjson.SetRawBytes(out, "request.systemInstruction", []byte(`{"role":"user","parts":[]}`))
	}
	part, _ := sjson.SetBytes([]byte(`{"text":""}`), "text", text)
	out, _ = sjson.SetRawBytes(out, "request.systemInstruction.parts.-1", part)
	return out
}

func userNode(m gjson.Result, useNames map[string]string) []byte {
	node := []byte(`{"role":"user","parts":[]}`)
	content := m.Get("content")
	if content.Type == gjson.String {
		if content.String() != "" {
			part, _ := sjson.SetBytes([]byte(`{"text":""}`), "text", content.String())
			node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		}
		return node
	}
	if !content.IsArray() {
		return node
	}
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			if block.Get("text").String() == "" {
				return true
			}
			part, _ := sjson.SetBytes([]byte(`{"text":""}`), "text", block.Get("text").String())
			node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		case "image":
			if block.Get("source.type").String() != "base64" {
				return true
			}
			part := []byte(`{"inlineData":{"mimeType":"","data":""}}`)
			part, _ = sjson.SetBytes(part, "inlineData.mimeType", block.Get("source.media_type").String())
			part, _ = sjson.SetBytes(part, "inlineData.data", block.Get("source.data").String())
			node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		case "tool_result":
			id := block.Get("tool_use_id").String()
			if id == "" {
				return true
			}
			name := useNames[id]
			if name == "" {
				name = id
			}
			part := []byte(`{"functionResponse":{"name":"","response":{}}}`)
			part, _ = sjson.SetBytes(part, "functionResponse.name", name)
			part, _ = sjson.SetBytes(part, "functionResponse.id", id)
			part, _ = sjson.SetBytes(part, "functionResponse.response.result", resultText(block.Get("content")))
			node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		}
		return true
	})
	return node
}

func assistantNode(m gjson.Result, renames map[string]string) []byte {
	node := []byte(`{"role":"model","parts":[]}`)
	content := m.Get("content")
	if content.Type == gjson.String {
		if content.String() != "" {
			part, _ := sjson.SetBytes([]byte(`{"text":""}`), "text", content.String())
			node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		}
		return node
	}
	if !content.IsArray() {
		return node
	}
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			if block.Get("text").String() == "" {
				return true
			}
			part, _ := sjson.SetBytes([]byte(`{"text":""}`), "text", block.Get("text").String())
			node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		case "thinking":
			if block.Get("thinking").String() == "" {
				return true
			}
			part := []byte(`{"text":"","thought":true}`)
			part, _ = sjson.SetBytes(part, "text", block.Get("thinking").String())
			if sig := block.Get("signature").String(); sig != "" {
				part, _ = sjson.SetBytes(part, "thoughtSignature", sig)
			}
			node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		case "tool_use":
			name := block.Get("name").String()
			if wire, ok := renames[name]; ok {
				name = wire
			} else {
				name = WireToolName(name)
			}
			part := []byte(`{"functionCall":{"name":"","args":{}}}`)
			part, _ = sjson.SetBytes(part, "functionCall.name", name)
			if input := block.Get("input"); input.IsObject() {
				part, _ = sjson.SetRawBytes(part, "functionCall.args", []byte(input.Raw))
			}
			if id := block.Get("id").String(); id != "" {
				part, _ = sjson.SetBytes(part, "functionCall.id", id)
			}
			node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		}
		return true
	})
	return node
}

func resultText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var sb strings.Builder
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			}
			return true
		})
		return sb.String()
	case content.Exists():
		return content.Raw
	}
	return ""
}

func functionDeclarations(rawJSON []byte, renames map[string]string) []byte {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.IsArray() {
		return nil
	}
	decls := []byte(`[]`)
	n := 0
	tools.ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		if name == "" {
			return true
		}
		decl := []byte(`{"name":"","parameters":{}}`)
		decl, _ = sjson.SetBytes(decl, "name", renames[name])
		if desc := tool.Get("description").String(); desc != "" {
			decl, _ = sjson.SetBytes(decl, "description", desc)
		}
		decl, _ = sjson.SetRawBytes(decl, "parameters", normalizeSchema(tool.Get("input_schema")))
		decls, _ = sjson.SetRawBytes(decls, "-1", decl)
		n++
		return true
	})
	if n == 0 {
		return nil
	}
	return decls
}

// normalizeSchema strips JSON Schema metadata the backend rejects and
// fills the object defaults validated tool calling requires.
func normalizeSchema(schema gjson.Result) []byte {
	out := []byte(`{}`)
	if schema.IsObject() {
		out = []byte(schema.Raw)
		out, _ = sjson.DeleteBytes(out, "$schema")
	}
	if !gjson.GetBytes(out, "type").Exists() {
		out, _ = sjson.SetBytes(out, "type", "object")
	}
	if gjson.GetBytes(out, "type").String() == "object" && !gjson.GetBytes(out, "properties").Exists() {
		out, _ = sjson.SetRawBytes(out, "properties", []byte(`{}`))
	}
	return out
}

func applyGenerationConfig(out, rawJSON []byte, modelName string) []byte {
	base := "request.generationConfig"
	if v := gjson.GetBytes(rawJSON, "temperature"); v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, base+".temperature", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "top_p"); v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, base+".topP", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "top_k"); v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, base+".topK", v.Num)
	}

	if isClaudeModel(modelName) {
		out, _ = sjson.SetBytes(out, base+".maxOutputTokens", claudeMaxOutputTokens)
	} else if v := gjson.GetBytes(rawJSON, "max_tokens"); v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, base+".maxOutputTokens", v.Int())
	}

	if stops := gjson.GetBytes(rawJSON, "stop_sequences"); stops.IsArray() {
		for _, s := range stops.Array() {
			out, _ = sjson.SetBytes(out, base+".stopSequences.-1", s.String())
		}
	}

	thinking := gjson.GetBytes(rawJSON, "thinking")
	switch {
	case thinking.Get("type").String() == "enabled":
		budget := thinking.Get("budget_tokens").Int()
		if budget <= 0 {
			budget = claudeDefaultThinkingBudget
		}
		out, _ = sjson.SetBytes(out, base+".thinkingConfig.thinkingBudget", budget)
		out, _ = sjson.SetBytes(out, base+".thinkingConfig.include_thoughts", true)
	case thinking.Get("type").String() == "disabled":
		out, _ = sjson.SetBytes(out, base+".thinkingConfig.thinkingBudget", 0)
		out, _ = sjson.SetBytes(out, base+".thinkingConfig.include_thoughts", false)
	case isClaudeModel(modelName):
		out, _ = sjson.SetBytes(out, base+".thinkingConfig.thinkingBudget", claudeDefaultThinkingBudget)
		out, _ = sjson.SetBytes(out, base+".thinkingConfig.include_thoughts", true)
	}
	return out
}
