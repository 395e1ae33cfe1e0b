// Package executor defines the payload types exchanged between the auth
// manager and provider executors.
package executor

import (
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
)

// Request is the provider-agnostic call payload handed to an executor.
type Request struct {
	// Model is the upstream model identifier after alias resolution.
	Model string
	// Payload is the raw JSON request body in the source schema.
	Payload []byte
	// Metadata carries optional execution hints.
	Metadata map[string]any
}

// Options carries per-call execution flags.
type Options struct {
	// UserID scopes account selection to the calling proxy user.
	UserID string
	// SourceFormat names the schema of Request.Payload.
	SourceFormat sdktranslator.Format
	// OriginalRequest preserves the inbound body before any rewriting so
	// response translators can honour caller-side flags.
	OriginalRequest []byte
	// Stream selects streaming delivery.
	Stream bool
	// Alt mirrors the ?alt= query parameter for Gemini-style endpoints.
	Alt string
	// Metadata carries optional per-call values such as the requested
	// model alias.
	Metadata map[string]any
}

// Response is a buffered executor result.
type Response struct {
	Payload []byte
}

// StreamChunk is one frame of a streaming executor result. Err terminates
// the stream when set.
type StreamChunk struct {
	Payload []byte
	Err     error
}
