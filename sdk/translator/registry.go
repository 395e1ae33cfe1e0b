// Package translator keeps the registry of wire-format transforms. Request
// and response translators self-register from init() and executors look
// them up by (from, to) format pair. Unregistered pairs pass payloads
// through unchanged.
package translator

import (
	"context"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Format identifies a wire schema handled by the registry.
type Format string

const (
	// FormatOpenAI is the OpenAI chat.completions schema.
	FormatOpenAI Format = "openai"
	// FormatOpenAIResponses is the OpenAI Responses API schema.
	FormatOpenAIResponses Format = "openai-response"
	// FormatGeminiCodeAssist is the Google Code Assist v1internal schema.
	FormatGeminiCodeAssist Format = "gemini-code-assist"
	// FormatClaudeMessages is the Anthropic messages schema.
	FormatClaudeMessages Format = "claude-messages"
)

func (f Format) String() string { return string(f) }

// FromString normalises a format name onto a Format value. Unknown names
// pass through so out-of-tree registrations keep working.
func FromString(name string) Format {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai", "openai-chat", "chat-completions":
		return FormatOpenAI
	case "openai-response", "openai-responses", "responses":
		return FormatOpenAIResponses
	case "gemini-code-assist", "gemini", "code-assist":
		return FormatGeminiCodeAssist
	case "claude-messages", "claude", "anthropic":
		return FormatClaudeMessages
	}
	return Format(name)
}

type registry struct {
	mu        sync.RWMutex
	requests  map[Format]map[Format]RequestTransform
	responses map[Format]map[Format]ResponseTransform
}

var defaultRegistry = &registry{
	requests:  make(map[Format]map[Format]RequestTransform),
	responses: make(map[Format]map[Format]ResponseTransform),
}

// Register installs the request and response transforms for a from→to pair,
// replacing any previous registration.
func Register(from, to Format, request RequestTransform, response ResponseTransform) {
	log.Debugf("registering translator %s -> %s", from, to)
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.requests[from]; !ok {
		defaultRegistry.requests[from] = make(map[Format]RequestTransform)
	}
	defaultRegistry.requests[from][to] = request
	if _, ok := defaultRegistry.responses[from]; !ok {
		defaultRegistry.responses[from] = make(map[Format]ResponseTransform)
	}
	defaultRegistry.responses[from][to] = response
}

// TranslateRequest converts a request payload between formats. Unregistered
// pairs return the payload unchanged.
func TranslateRequest(from, to Format, model string, rawJSON []byte, stream bool) []byte {
	defaultRegistry.mu.RLock()
	transform, ok := defaultRegistry.requests[from][to]
	defaultRegistry.mu.RUnlock()
	if !ok || transform == nil {
		return rawJSON
	}
	return transform(model, rawJSON, stream)
}

// NeedConvert reports whether a response transform is registered for the pair.
func NeedConvert(from, to Format) bool {
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()
	_, ok := defaultRegistry.responses[from][to]
	return ok
}

// TranslateStream converts one upstream frame into zero or more outbound
// frames. Unregistered pairs yield the frame as-is.
func TranslateStream(ctx context.Context, from, to Format, model string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string {
	defaultRegistry.mu.RLock()
	transform, ok := defaultRegistry.responses[from][to]
	defaultRegistry.mu.RUnlock()
	if !ok || transform.Stream == nil {
		return []string{string(rawJSON)}
	}
	return transform.Stream(ctx, model, originalRequestRawJSON, requestRawJSON, rawJSON, param)
}

// TranslateNonStream converts a buffered upstream response body.
// Unregistered pairs yield the body as-is.
func TranslateNonStream(ctx context.Context, from, to Format, model string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string {
	defaultRegistry.mu.RLock()
	transform, ok := defaultRegistry.responses[from][to]
	defaultRegistry.mu.RUnlock()
	if !ok || transform.NonStream == nil {
		return string(rawJSON)
	}
	return transform.NonStream(ctx, model, originalRequestRawJSON, requestRawJSON, rawJSON, param)
}

// TranslateTokenCount renders a token count for the pair, or an empty string
// when no transform is registered.
func TranslateTokenCount(ctx context.Context, from, to Format, count int64) string {
	defaultRegistry.mu.RLock()
	transform, ok := defaultRegistry.responses[from][to]
	defaultRegistry.mu.RUnlock()
	if !ok || transform.TokenCount == nil {
		return ""
	}
	return transform.TokenCount(ctx, count)
}
