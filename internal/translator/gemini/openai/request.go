// Package openai converts OpenAI Chat Completions traffic to and from the
// Code Assist generateContent wire format. All JSON is built with sjson and
// inspected with gjson, no intermediate structs.
package openai

import (
	"strings"

	"github.com/agentgate-dev/agentgate/internal/misc"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var effortBudgets = map[string]int64{
	"none":   0,
	"low":    1024,
	"medium": 10000,
	"high":   32000,
}

// ConvertOpenAIRequestToGemini translates a raw OpenAI Chat Completions
// request into a full Code Assist envelope. Messages become contents,
// system messages coalesce into a single systemInstruction, tool calls and
// their results become functionCall/functionResponse pairs, and sampling
// knobs land in generationConfig.
func ConvertOpenAIRequestToGemini(modelName string, inputRawJSON []byte, _ bool) []byte {
	rawJSON := inputRawJSON

	out := []byte(`{"project":"","model":"","userAgent":"antigravity","requestType":"agent","requestId":"","sessionId":"","request":{"contents":[]}}`)
	out, _ = sjson.SetBytes(out, "model", modelName)
	out, _ = sjson.SetBytes(out, "requestId", NewRequestID())
	sessionID := SessionID(rawJSON)
	out, _ = sjson.SetBytes(out, "sessionId", sessionID)

	messages := gjson.GetBytes(rawJSON, "messages").Array()
	answered := answeredToolCallIDs(messages)
	names := toolCallNames(messages)
	valid := validToolResultIDs(messages)

	for _, m := range messages {
		role := m.Get("role").String()
		switch role {
		case "system", "developer":
			out = appendSystemParts(out, m.Get("content"))
		case "user":
			node := userNode(m, names, valid)
			if gjson.GetBytes(node, "parts.#").Int() > 0 {
				out, _ = sjson.SetRawBytes(out, "request.contents.-1", node)
			}
		case "assistant":
			node := assistantNode(m, answered)
			if gjson.GetBytes(node, "parts.#").Int() > 0 {
				out, _ = sjson.SetRawBytes(out, "request.contents.-1", node)
			}
		case "tool":
			id := m.Get("tool_call_id").String()
			if id == "" || !valid[id] {
				continue
			}
			node := []byte(`{"role":"user","parts":[]}`)
			node, _ = sjson.SetRawBytes(node, "parts.-1", functionResponsePart(names[id], id, toolResultText(m.Get("content"))))
			out, _ = sjson.SetRawBytes(out, "request.contents.-1", node)
		}
	}

	out = applyGenerationConfig(out, rawJSON)

	tools := gjson.GetBytes(rawJSON, "tools")
	if tools.IsArray() {
		decls := []byte(`[]`)
		n := 0
		for _, t := range tools.Array() {
			if t.Get("type").String() != "function" {
				continue
			}
			fn := t.Get("function")
			if !fn.IsObject() {
				continue
			}
			decls, _ = sjson.SetRawBytes(decls, "-1", []byte(fn.Raw))
			n++
		}
		if n > 0 {
			out, _ = sjson.SetRawBytes(out, "request.tools.0.functionDeclarations", decls)
		}
	}

	contents := gjson.GetBytes(out, "request.contents")
	fixed := SanitizeContents([]byte(contents.Raw))
	fixed = GroupFunctionResponses(fixed)
	fixed = SplitMixedModelMessages(fixed)
	out, _ = sjson.SetRawBytes(out, "request.contents", fixed)

	out = EnsureToolHardening(out)
	out = ApplyThoughtSignatures(out, modelName, sessionID)
	return out
}

// answeredToolCallIDs collects every tool call id that some later message
// answers, either a role=tool message or a tool_result block inside a user
// message. Calls without an answer are dropped so the history never carries
// a dangling functionCall.
func answeredToolCallIDs(messages []gjson.Result) map[string]bool {
	answered := make(map[string]bool)
	for _, m := range messages {
		switch m.Get("role").String() {
		case "tool":
			if id := m.Get("tool_call_id").String(); id != "" {
				answered[id] = true
			}
		case "user":
			content := m.Get("content")
			if !content.IsArray() {
				continue
			}
			content.ForEach(func(_, item gjson.Result) bool {
				if item.Get("type").String() == "tool_result" {
					if id := item.Get("tool_use_id").String(); id != "" {
						answered[id] = true
					}
				}
				return true
			})
		}
	}
	return answered
}

func toolCallNames(messages []gjson.Result) map[string]string {
	names := make(map[string]string)
	for _, m := range messages {
		if m.Get("role").String() != "assistant" {
			continue
		}
		m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			id := tc.Get("id").String()
			name := tc.Get("function.name").String()
			if id != "" && name != "" {
				names[id] = name
			}
			return true
		})
	}
	return names
}

// validToolResultIDs keeps only tool results that answer the immediately
// preceding assistant turn. Anything else, results arriving after an
// unrelated user or system message included, is stale history the backend
// rejects.
func validToolResultIDs(messages []gjson.Result) map[string]bool {
	valid := make(map[string]bool)
	pending := make(map[string]bool)
	for _, m := range messages {
		switch m.Get("role").String() {
		case "assistant":
			pending = make(map[string]bool)
			m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				if id := tc.Get("id").String(); id != "" {
					pending[id] = true
				}
				return true
			})
		case "tool":
			if id := m.Get("tool_call_id").String(); id != "" && pending[id] {
				valid[id] = true
			}
		case "user":
			sawResult := false
			content := m.Get("content")
			if content.IsArray() {
				content.ForEach(func(_, item gjson.Result) bool {
					if item.Get("type").String() == "tool_result" {
						sawResult = true
						if id := item.Get("tool_use_id").String(); id != "" && pending[id] {
							valid[id] = true
						}
					}
					return true
				})
			}
			if !sawResult {
				pending = make(map[string]bool)
			}
		default:
			pending = make(map[string]bool)
		}
	}
	return valid
}

func appendSystemParts(out []byte, content gjson.Result) []byte {
	texts := systemTexts(content)
	if len(texts) == 0 {
		return out
	}
	if !gjson.GetBytes(out, "request.systemInstruction").Exists() {
		out, _ = sjson.SetRawBytes(out, "request.systemInstruction", []byte(`{"role":"user","parts":[]}`))
	}
	for _, t := range texts {
		part, _ := sjson.SetBytes([]byte(`{"text":""}`), "text", t)
		out, _ = sjson.SetRawBytes(out, "request.systemInstruction.parts.-1", part)
	}
	return out
}

func systemTexts(content gjson.Result) []string {
	switch {
	case content.Type == gjson.String:
		if content.String() == "" {
			return nil
		}
		return []string{content.String()}
	case content.IsObject():
		if content.Get("type").String() == "text" && content.Get("text").String() != "" {
			return []string{content.Get("text").String()}
		}
	case content.IsArray():
		var texts []string
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" && item.Get("text").String() != "" {
				texts = append(texts, item.Get("text").String())
			}
			return true
		})
		return texts
	}
	return nil
}

func userNode(m gjson.Result, names map[string]string, valid map[string]bool) []byte {
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
	content.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			if item.Get("text").String() == "" {
				return true
			}
			part, _ := sjson.SetBytes([]byte(`{"text":""}`), "text", item.Get("text").String())
			node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		case "image_url":
			if part := imagePart(item.Get("image_url.url").String()); part != nil {
				node, _ = sjson.SetRawBytes(node, "parts.-1", part)
			}
		case "file":
			filename := item.Get("file.filename").String()
			ext := ""
			if sp := strings.Split(filename, "."); len(sp) > 1 {
				ext = strings.ToLower(sp[len(sp)-1])
			}
			mimeType, ok := misc.MimeTypes[ext]
			if !ok {
				log.Warnf("unknown file extension %q in user message, skipping attachment", ext)
				return true
			}
			part := []byte(`{"inlineData":{"mimeType":"","data":""}}`)
			part, _ = sjson.SetBytes(part, "inlineData.mimeType", mimeType)
			part, _ = sjson.SetBytes(part, "inlineData.data", item.Get("file.file_data").String())
			node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		case "tool_result":
			id := item.Get("tool_use_id").String()
			if id == "" || !valid[id] {
				return true
			}
			node, _ = sjson.SetRawBytes(node, "parts.-1", functionResponsePart(names[id], id, toolResultText(item.Get("content"))))
		}
		return true
	})
	return node
}

// imagePart renders an OpenAI image_url entry. Data URIs become inlineData,
// plain URLs become fileData references fetched upstream.
func imagePart(imageURL string) []byte {
	switch {
	case strings.HasPrefix(imageURL, "data:"):
		pieces := strings.SplitN(imageURL[5:], ";", 2)
		if len(pieces) != 2 || len(pieces[1]) < 8 {
			return nil
		}
		part := []byte(`{"inlineData":{"mimeType":"","data":""}}`)
		part, _ = sjson.SetBytes(part, "inlineData.mimeType", pieces[0])
		part, _ = sjson.SetBytes(part, "inlineData.data", pieces[1][7:])
		return part
	case strings.HasPrefix(imageURL, "http://"), strings.HasPrefix(imageURL, "https://"):
		part := []byte(`{"fileData":{"fileUri":""}}`)
		part, _ = sjson.SetBytes(part, "fileData.fileUri", imageURL)
		return part
	}
	return nil
}

func assistantNode(m gjson.Result, answered map[string]bool) []byte {
	node := []byte(`{"role":"model","parts":[]}`)
	if rc := m.Get("reasoning_content"); rc.Type == gjson.String && rc.String() != "" {
		part := []byte(`{"text":"","thought":true}`)
		part, _ = sjson.SetBytes(part, "text", rc.String())
		node, _ = sjson.SetRawBytes(node, "parts.-1", part)
	}
	content := m.Get("content")
	if content.Type == gjson.String && content.String() != "" {
		part, _ := sjson.SetBytes([]byte(`{"text":""}`), "text", content.String())
		node, _ = sjson.SetRawBytes(node, "parts.-1", part)
	} else if content.IsArray() {
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" && item.Get("text").String() != "" {
				part, _ := sjson.SetBytes([]byte(`{"text":""}`), "text", item.Get("text").String())
				node, _ = sjson.SetRawBytes(node, "parts.-1", part)
			}
			return true
		})
	}
	m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if t := tc.Get("type"); t.Exists() && t.String() != "function" {
			return true
		}
		id := tc.Get("id").String()
		if id != "" && !answered[id] {
			return true
		}
		part := []byte(`{"functionCall":{"name":"","args":{}}}`)
		part, _ = sjson.SetBytes(part, "functionCall.name", tc.Get("function.name").String())
		args := strings.TrimSpace(tc.Get("function.arguments").String())
		if strings.HasPrefix(args, "{") && gjson.Valid(args) {
			part, _ = sjson.SetRawBytes(part, "functionCall.args", []byte(args))
		}
		if id != "" {
			part, _ = sjson.SetBytes(part, "functionCall.id", id)
		}
		node, _ = sjson.SetRawBytes(node, "parts.-1", part)
		return true
	})
	return node
}

func functionResponsePart(name, id, result string) []byte {
	if name == "" {
		name = id
	}
	part := []byte(`{"functionResponse":{"name":"","response":{}}}`)
	part, _ = sjson.SetBytes(part, "functionResponse.name", name)
	if id != "" {
		part, _ = sjson.SetBytes(part, "functionResponse.id", id)
	}
	part, _ = sjson.SetBytes(part, "functionResponse.response.result", result)
	return part
}

func toolResultText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var sb strings.Builder
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				sb.WriteString(item.Get("text").String())
			}
			return true
		})
		return sb.String()
	case content.Exists():
		return content.Raw
	}
	return ""
}

func applyGenerationConfig(out, rawJSON []byte) []byte {
	base := "request.generationConfig"
	if v := gjson.GetBytes(rawJSON, "temperature"); v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, base+".temperature", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "top_p"); v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, base+".topP", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "max_tokens"); v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, base+".maxOutputTokens", v.Int())
	}
	if v := gjson.GetBytes(rawJSON, "max_completion_tokens"); v.Type == gjson.Number {
		out, _ = sjson.SetBytes(out, base+".maxOutputTokens", v.Int())
	}
	if stop := gjson.GetBytes(rawJSON, "stop"); stop.Exists() {
		if stop.Type == gjson.String {
			out, _ = sjson.SetBytes(out, base+".stopSequences.0", stop.String())
		} else if stop.IsArray() {
			for _, s := range stop.Array() {
				out, _ = sjson.SetBytes(out, base+".stopSequences.-1", s.String())
			}
		}
	}
	if budget, include, ok := thinkingDirective(rawJSON); ok {
		out, _ = sjson.SetBytes(out, base+".thinkingConfig.thinkingBudget", budget)
		out, _ = sjson.SetBytes(out, base+".thinkingConfig.include_thoughts", include)
	}
	return out
}

// thinkingDirective resolves the reasoning controls from the request.
// Named efforts map to fixed budgets, a numeric thinking_budget passes
// through, anything unrecognised defers to the model.
func thinkingDirective(rawJSON []byte) (int64, bool, bool) {
	effort := gjson.GetBytes(rawJSON, "reasoning.effort")
	if !effort.Exists() {
		effort = gjson.GetBytes(rawJSON, "reasoning_effort")
	}
	if effort.Exists() {
		if budget, ok := effortBudgets[strings.ToLower(effort.String())]; ok {
			return budget, budget != 0, true
		}
		return -1, true, true
	}
	if v := gjson.GetBytes(rawJSON, "thinking_budget"); v.Type == gjson.Number {
		b := v.Int()
		return b, b != 0, true
	}
	return 0, false, false
}
