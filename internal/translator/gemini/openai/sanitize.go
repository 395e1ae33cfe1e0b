package openai

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SanitizeContents enforces the pairing rules the Code Assist backend
// validates before accepting a conversation: every functionCall must be
// answered by a functionResponse later in the history, every
// functionResponse must answer a call that appeared earlier, and
// messages left without parts are removed. User messages carrying
// functionResponse parts shed loose text parts, and empty text parts
// are dropped everywhere.
func SanitizeContents(contents []byte) []byte {
	parsed := gjson.ParseBytes(contents)
	if !parsed.IsArray() {
		return contents
	}
	items := parsed.Array()

	callIndex := make(map[string]int)
	responseIndex := make(map[string]int)
	for i, msg := range items {
		idx := i
		msg.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if fc := part.Get("functionCall"); fc.Exists() {
				key := pairKey(fc)
				if _, seen := callIndex[key]; !seen {
					callIndex[key] = idx
				}
			}
			if fr := part.Get("functionResponse"); fr.Exists() {
				key := pairKey(fr)
				if _, seen := responseIndex[key]; !seen {
					responseIndex[key] = idx
				}
			}
			return true
		})
	}

	out := []byte(`[]`)
	for i, msg := range items {
		role := msg.Get("role").String()
		hasResponsePart := false
		msg.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if part.Get("functionResponse").Exists() {
				hasResponsePart = true
				return false
			}
			return true
		})

		node := []byte(`{"role":"","parts":[]}`)
		node, _ = sjson.SetBytes(node, "role", role)
		kept := 0
		msg.Get("parts").ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Get("functionCall").Exists():
				ri, ok := responseIndex[pairKey(part.Get("functionCall"))]
				if !ok || ri <= i {
					return true
				}
			case part.Get("functionResponse").Exists():
				ci, ok := callIndex[pairKey(part.Get("functionResponse"))]
				if !ok || ci >= i {
					return true
				}
			case part.Get("text").Exists():
				if role == "user" && hasResponsePart {
					return true
				}
				if part.Get("text").String() == "" {
					return true
				}
			}
			node, _ = sjson.SetRawBytes(node, "parts.-1", []byte(part.Raw))
			kept++
			return true
		})
		if kept == 0 {
			continue
		}
		out, _ = sjson.SetRawBytes(out, "-1", node)
	}
	return out
}

// GroupFunctionResponses merges runs of consecutive user messages made
// up entirely of functionResponse parts into a single user message so
// parallel tool results arrive as one turn.
func GroupFunctionResponses(contents []byte) []byte {
	parsed := gjson.ParseBytes(contents)
	if !parsed.IsArray() {
		return contents
	}
	out := []byte(`[]`)
	count := 0
	lastWasResponses := false
	for _, msg := range parsed.Array() {
		if isFunctionResponseMessage(msg) && lastWasResponses {
			prev := strconv.Itoa(count - 1)
			for _, part := range msg.Get("parts").Array() {
				out, _ = sjson.SetRawBytes(out, prev+".parts.-1", []byte(part.Raw))
			}
			continue
		}
		lastWasResponses = isFunctionResponseMessage(msg)
		out, _ = sjson.SetRawBytes(out, "-1", []byte(msg.Raw))
		count++
	}
	return out
}

// SplitMixedModelMessages rewrites model messages that mix prose or
// thought parts with functionCall parts into two messages, prose first,
// calls last, so each functionResponse still follows its call directly.
func SplitMixedModelMessages(contents []byte) []byte {
	parsed := gjson.ParseBytes(contents)
	if !parsed.IsArray() {
		return contents
	}
	out := []byte(`[]`)
	for _, msg := range parsed.Array() {
		if msg.Get("role").String() != "model" {
			out, _ = sjson.SetRawBytes(out, "-1", []byte(msg.Raw))
			continue
		}
		hasCall := false
		hasProse := false
		msg.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if part.Get("functionCall").Exists() {
				hasCall = true
			} else {
				hasProse = true
			}
			return true
		})
		if !hasCall || !hasProse {
			out, _ = sjson.SetRawBytes(out, "-1", []byte(msg.Raw))
			continue
		}
		prose := []byte(`{"role":"model","parts":[]}`)
		calls := []byte(`{"role":"model","parts":[]}`)
		msg.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if part.Get("functionCall").Exists() {
				calls, _ = sjson.SetRawBytes(calls, "parts.-1", []byte(part.Raw))
			} else {
				prose, _ = sjson.SetRawBytes(prose, "parts.-1", []byte(part.Raw))
			}
			return true
		})
		out, _ = sjson.SetRawBytes(out, "-1", prose)
		out, _ = sjson.SetRawBytes(out, "-1", calls)
	}
	return out
}

func isFunctionResponseMessage(msg gjson.Result) bool {
	if msg.Get("role").String() != "user" {
		return false
	}
	parts := msg.Get("parts")
	if !parts.IsArray() || len(parts.Array()) == 0 {
		return false
	}
	all := true
	parts.ForEach(func(_, part gjson.Result) bool {
		if !part.Get("functionResponse").Exists() {
			all = false
			return false
		}
		return true
	})
	return all
}

func pairKey(fn gjson.Result) string {
	if id := fn.Get("id").String(); id != "" {
		return id
	}
	return "name:" + fn.Get("name").String()
}
