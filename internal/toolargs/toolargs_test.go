package toolargs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCaptureOpenAITools(t *testing.T) {
	body := []byte(`{"tools":[{"type":"function","function":{"name":"write_file","parameters":{"type":"object","properties":{"path":{"type":"string"},"lines":{"type":"array"}}}}}]}`)
	schemas := Capture(body)
	require.Equal(t, "string", schemas.ParamType("write_file", "path"))
	require.Equal(t, "array", schemas.ParamType("write_file", "lines"))
	require.Equal(t, "", schemas.ParamType("write_file", "missing"))
	require.Equal(t, "", schemas.ParamType("unknown_tool", "path"))
}

func TestCaptureClaudeTools(t *testing.T) {
	body := []byte(`{"tools":[{"name":"search","input_schema":{"type":"object","properties":{"query":{"type":"string"},"filters":{"type":"object"}}}}]}`)
	schemas := Capture(body)
	require.Equal(t, "string", schemas.ParamType("search", "query"))
	require.Equal(t, "object", schemas.ParamType("search", "filters"))
}

func TestNormalizeArgsParsesStringifiedArray(t *testing.T) {
	schemas := SchemaMap{"write_file": {"lines": "array"}}
	out := schemas.NormalizeArgs("write_file", []byte(`{"lines":"[\"a\",\"b\"]"}`))
	parsed := gjson.GetBytes(out, "lines")
	require.True(t, parsed.IsArray())
	require.Equal(t, "a", parsed.Array()[0].String())
}

func TestNormalizeArgsKeepsStringParamsAsStrings(t *testing.T) {
	// A string parameter that happens to contain JSON must never be parsed.
	schemas := SchemaMap{"write_file": {"content": "string"}}
	out := schemas.NormalizeArgs("write_file", []byte(`{"content":"[1,2,3]"}`))
	result := gjson.GetBytes(out, "content")
	require.Equal(t, gjson.String, result.Type)
	require.Equal(t, "[1,2,3]", result.String())
}

func TestNormalizeArgsUnescapesControlCharacters(t *testing.T) {
	schemas := SchemaMap{"write_file": {"content": "string"}}
	out := schemas.NormalizeArgs("write_file", []byte(`{"content":"line1\\nline2\\tend"}`))
	require.Equal(t, "line1\nline2\tend", gjson.GetBytes(out, "content").String())
}

func TestNormalizeArgsInvalidJSONArrayFallsBackToUnescape(t *testing.T) {
	schemas := SchemaMap{"run": {"items": "array"}}
	out := schemas.NormalizeArgs("run", []byte(`{"items":"[not valid json\\n"}`))
	require.Equal(t, "[not valid json\n", gjson.GetBytes(out, "items").String())
}

func TestNormalizeArgsLeavesNonObjectPayloadAlone(t *testing.T) {
	schemas := SchemaMap{}
	raw := []byte(`"just a string"`)
	require.Equal(t, raw, schemas.NormalizeArgs("tool", raw))
}

func TestNormalizeArgsDottedParameterNames(t *testing.T) {
	schemas := SchemaMap{"cfg": {"a.b": "string"}}
	out := schemas.NormalizeArgs("cfg", []byte(`{"a.b":"x\\ny"}`))
	require.Equal(t, "x\ny", gjson.GetBytes(out, `a\.b`).String())
}

func TestUnescape(t *testing.T) {
	require.Equal(t, "plain", Unescape("plain"))
	require.Equal(t, "a\nb", Unescape(`a\nb`))
	require.Equal(t, "a\\b", Unescape(`a\\b`))
	require.Equal(t, `a\qb`, Unescape(`a\qb`))
	require.Equal(t, `trailing\`, Unescape(`trailing\`))
}
