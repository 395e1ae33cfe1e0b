// Package claude provides HTTP handlers for the Anthropic Messages API
// surface: model listing, the /v1/messages endpoint in streaming and
// buffered form, and count_tokens. Upstream responses arrive as standalone
// event payloads whose type field names the SSE event, so the streaming
// path frames each payload as "event: <type>" before forwarding it.
package claude

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agentgate-dev/agentgate/internal/api/handlers"
	"github.com/agentgate-dev/agentgate/internal/registry"
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ClaudeAPIHandler contains the handlers for Anthropic Messages endpoints.
type ClaudeAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewClaudeAPIHandler creates a new Anthropic Messages handler instance.
func NewClaudeAPIHandler(apiHandlers *handlers.BaseAPIHandler) *ClaudeAPIHandler {
	return &ClaudeAPIHandler{
		BaseAPIHandler: apiHandlers,
	}
}

// Models returns the Anthropic-shaped model metadata supported by the
// currently registered accounts.
func (h *ClaudeAPIHandler) Models() []map[string]any {
	return registry.GetGlobalRegistry().GetAvailableModels("claude")
}

// ClaudeModels handles the Anthropic models listing endpoint.
func (h *ClaudeAPIHandler) ClaudeModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data": h.Models(),
	})
}

// ClaudeMessages handles the /v1/messages endpoint. Unlike chat
// completions, Anthropic clients must opt in to streaming explicitly.
func (h *ClaudeAPIHandler) ClaudeMessages(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: fmt.Sprintf("Invalid request: %v", err),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	streamResult := gjson.GetBytes(rawJSON, "stream")
	if !streamResult.Exists() || streamResult.Type == gjson.False {
		h.handleNonStreamingResponse(c, rawJSON)
	} else {
		h.handleStreamingResponse(c, rawJSON)
	}
}

// ClaudeCountTokens handles the /v1/messages/count_tokens endpoint. The
// count is estimated locally by the selected account's tokenizer.
func (h *ClaudeAPIHandler) ClaudeCountTokens(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: fmt.Sprintf("Invalid request: %v", err),
				Type:    "invalid_request_error",
			},
		})
		return
	}

	cliCtx, cliCancel := h.GetContextWithCancel(c, context.Background())
	defer cliCancel()

	resp, errCount := h.CountTokensWithAuthManager(cliCtx, c, sdktranslator.FormatClaudeMessages, rawJSON)
	if errCount != nil {
		h.WriteErrorResponse(c, errCount)
		return
	}
	c.Header("Content-Type", "application/json")
	_, _ = c.Writer.Write(resp)
}

// handleNonStreamingResponse dispatches a buffered message request and
// writes the translated response body.
func (h *ClaudeAPIHandler) handleNonStreamingResponse(c *gin.Context, rawJSON []byte) {
	c.Header("Content-Type", "application/json")

	cliCtx, cliCancel := h.GetContextWithCancel(c, context.Background())
	defer cliCancel()

	resp, err := h.ExecuteWithAuthManager(cliCtx, c, sdktranslator.FormatClaudeMessages, rawJSON, h.GetAlt(c))
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}
	_, _ = c.Writer.Write(resp)
}

// handleStreamingResponse forwards translated Messages events to the
// client. Anthropic streams terminate with message_stop rather than a
// [DONE] sentinel; a mid-stream failure becomes a protocol error event.
func (h *ClaudeAPIHandler) handleStreamingResponse(c *gin.Context, rawJSON []byte) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{
				Message: "Streaming not supported",
				Type:    "server_error",
			},
		})
		return
	}

	// Deriving from the request context cancels the upstream call when the
	// client disconnects, which closes the chunk channel and ends the loop.
	cliCtx, cliCancel := h.GetContextWithCancel(c, c.Request.Context())
	defer cliCancel()

	chunks, err := h.ExecuteStreamWithAuthManager(cliCtx, c, sdktranslator.FormatClaudeMessages, rawJSON, "")
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			if c.Request.Context().Err() != nil {
				log.Debugf("client disconnected: %v", c.Request.Context().Err())
				return
			}
			_, _ = fmt.Fprintf(c.Writer, "event: error\ndata: %s\n\n", claudeErrorEvent(chunk.Err))
			flusher.Flush()
			return
		}
		eventName := gjson.GetBytes(chunk.Payload, "type").String()
		if eventName == "" {
			continue
		}
		_, _ = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventName, chunk.Payload)
		flusher.Flush()
	}
}

// claudeErrorEvent renders an error in the Messages stream error shape.
func claudeErrorEvent(err error) string {
	_, detail := handlers.ErrorDetailFromError(err)
	payload := `{"type":"error","error":{"type":"","message":""}}`
	payload, _ = sjson.Set(payload, "error.type", detail.Type)
	payload, _ = sjson.Set(payload, "error.message", detail.Message)
	return payload
}
