// Package toolargs repairs tool call arguments coming back from Gemini.
// Models frequently return stringified JSON for array and object
// parameters, or double-escape control characters inside string ones. The
// declared tool schemas from the inbound request decide which repair is
// safe for each parameter.
package toolargs

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SchemaMap holds the declared parameter types per tool for one request.
type SchemaMap map[string]map[string]string

// Capture reads tool declarations from an OpenAI- or Claude-shaped
// request body. Only the top-level parameter types matter for
// normalisation.
func Capture(rawJSON []byte) SchemaMap {
	schemas := make(SchemaMap)
	gjson.GetBytes(rawJSON, "tools").ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("function.name").String()
		properties := tool.Get("function.parameters.properties")
		if name == "" {
			name = tool.Get("name").String()
			properties = tool.Get("input_schema.properties")
		}
		if name == "" {
			return true
		}
		params := make(map[string]string)
		properties.ForEach(func(param, spec gjson.Result) bool {
			params[param.String()] = spec.Get("type").String()
			return true
		})
		schemas[name] = params
		return true
	})
	return schemas
}

// ParamType reports the declared type for a tool parameter, empty when the
// tool or parameter was never declared.
func (s SchemaMap) ParamType(tool, param string) string {
	if s == nil {
		return ""
	}
	params, ok := s[tool]
	if !ok {
		return ""
	}
	return params[param]
}

// NormalizeArgs rewrites a functionCall args object according to the
// declared schema. String parameters only get control characters
// unescaped, never parsed. Array and object parameters that arrived as
// strings are parsed back into structure when the payload is valid JSON
// and unescaped otherwise. Everything else is unescaped.
func (s SchemaMap) NormalizeArgs(tool string, argsRaw []byte) []byte {
	parsed := gjson.ParseBytes(argsRaw)
	if !parsed.IsObject() {
		return argsRaw
	}
	out := argsRaw
	parsed.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			return true
		}
		path := escapePath(key.String())
		str := value.String()
		switch s.ParamType(tool, key.String()) {
		case "string":
			out, _ = sjson.SetBytes(out, path, Unescape(str))
		case "array", "object":
			candidate := strings.TrimSpace(str)
			if isJSONContainer(candidate) && gjson.Valid(candidate) {
				out, _ = sjson.SetRawBytes(out, path, []byte(candidate))
			} else {
				out, _ = sjson.SetBytes(out, path, Unescape(str))
			}
		default:
			out, _ = sjson.SetBytes(out, path, Unescape(str))
		}
		return true
	})
	return out
}

// Unescape collapses literal backslash escapes for control characters in a
// single pass. Unknown escapes pass through untouched.
func Unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case 'n':
			b.WriteByte('\n')
			i++
		case 't':
			b.WriteByte('\t')
			i++
		case 'r':
			b.WriteByte('\r')
			i++
		case '\\':
			b.WriteByte('\\')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isJSONContainer(s string) bool {
	return (strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")) ||
		(strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"))
}

func escapePath(key string) string {
	replacer := strings.NewReplacer(".", "\\.", "*", "\\*", "?", "\\?")
	return replacer.Replace(key)
}
