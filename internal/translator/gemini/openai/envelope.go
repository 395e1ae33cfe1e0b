package openai

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/agentgate-dev/agentgate/internal/ratelimit"
	"github.com/agentgate-dev/agentgate/internal/signature"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ToolHardeningInstruction is appended to the system instruction whenever
// function declarations are present. Code Assist models drift into prose
// tool invocations without it.
const ToolHardeningInstruction = "When calling tools, always respond with a structured function call. " +
	"Never describe the call in prose, never wrap arguments in markdown, and emit arguments as strict JSON " +
	"matching the declared parameter schema."

// NewRequestID mints the per-upstream-call request identifier.
func NewRequestID() string {
	return "agent-" + uuid.NewString()
}

// SessionID derives the stable conversation identifier from the first user
// message of an OpenAI-shaped request: the SHA-256 of its text rendered in
// UUID form. Identical conversations hash to the same session across
// retries and turns.
func SessionID(rawJSON []byte) string {
	text := firstUserText(rawJSON)
	sum := sha256.Sum256([]byte(text))
	hexSum := hex.EncodeToString(sum[:16])
	return hexSum[0:8] + "-" + hexSum[8:12] + "-" + hexSum[12:16] + "-" + hexSum[16:20] + "-" + hexSum[20:32]
}

func firstUserText(rawJSON []byte) string {
	var text string
	gjson.GetBytes(rawJSON, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "user" {
			return true
		}
		content := msg.Get("content")
		if content.Type == gjson.String {
			text = content.String()
			return false
		}
		if content.IsArray() {
			content.ForEach(func(_, item gjson.Result) bool {
				if item.Get("type").String() == "text" {
					text = item.Get("text").String()
					return false
				}
				return true
			})
			return false
		}
		return true
	})
	return text
}

// EnsureToolHardening appends the hardening instruction to the envelope's
// system instruction when function declarations exist. The injection is
// idempotent so re-translation never stacks copies.
func EnsureToolHardening(envelope []byte) []byte {
	decls := gjson.GetBytes(envelope, "request.tools.0.functionDeclarations")
	if !decls.IsArray() || len(decls.Array()) == 0 {
		return envelope
	}
	parts := gjson.GetBytes(envelope, "request.systemInstruction.parts")
	present := false
	parts.ForEach(func(_, part gjson.Result) bool {
		if strings.Contains(part.Get("text").String(), "structured function call") {
			present = true
			return false
		}
		return true
	})
	if present {
		return envelope
	}
	if !parts.Exists() {
		envelope, _ = sjson.SetBytes(envelope, "request.systemInstruction.role", "user")
	}
	envelope, _ = sjson.SetBytes(envelope, "request.systemInstruction.parts.-1.text", ToolHardeningInstruction)
	return envelope
}

// ApplyThoughtSignatures walks model-role contents and resolves thought
// signatures from the conversation cache. Thought parts without a cached
// signature are dropped, function calls fall back to the skip sentinel.
func ApplyThoughtSignatures(envelope []byte, model, sessionID string) []byte {
	family := ratelimit.Family(model)
	cache := signature.Default()
	contents := gjson.GetBytes(envelope, "request.contents")
	if !contents.IsArray() {
		return envelope
	}
	rebuilt := []byte(`[]`)
	changed := false
	var lastSig string
	contents.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "model" {
			lastSig = ""
			rebuilt, _ = sjson.SetRawBytes(rebuilt, "-1", []byte(msg.Raw))
			return true
		}
		node := []byte(`{"role":"model","parts":[]}`)
		kept := 0
		msg.Get("parts").ForEach(func(_, part gjson.Result) bool {
			raw := []byte(part.Raw)
			switch {
			case part.Get("thought").Bool():
				if sig := part.Get("thoughtSignature").String(); sig != "" {
					lastSig = sig
				} else if sig, ok := cache.Get(family, sessionID, part.Get("text").String()); ok {
					raw, _ = sjson.SetBytes(raw, "thoughtSignature", sig)
					lastSig = sig
				} else {
					changed = true
					return true
				}
			case part.Get("functionCall").Exists() && part.Get("thoughtSignature").String() == "":
				sig := lastSig
				if sig == "" {
					sig = signature.SkipValidator
				}
				raw, _ = sjson.SetBytes(raw, "thoughtSignature", sig)
				changed = true
			}
			if !bytes.Equal(raw, []byte(part.Raw)) {
				changed = true
			}
			node, _ = sjson.SetRawBytes(node, "parts.-1", raw)
			kept++
			return true
		})
		if kept == 0 {
			changed = true
			return true
		}
		rebuilt, _ = sjson.SetRawBytes(rebuilt, "-1", node)
		return true
	})
	if !changed {
		return envelope
	}
	envelope, _ = sjson.SetRawBytes(envelope, "request.contents", rebuilt)
	return envelope
}
