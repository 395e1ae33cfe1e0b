// Package openai provides HTTP handlers for the OpenAI-compatible API
// endpoints: model listing, chat completions in streaming and buffered
// form, and local token counting. Requests are dispatched through the
// account manager, which picks an upstream account and translates between
// wire formats.
package openai

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
)

// OpenAIAPIHandler contains the handlers for OpenAI API endpoints.
type OpenAIAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewOpenAIAPIHandler creates a new OpenAI API handler instance.
func NewOpenAIAPIHandler(apiHandlers *handlers.BaseAPIHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{
		BaseAPIHandler: apiHandlers,
	}
}

// Models returns the OpenAI-compatible model metadata supported by the
// currently registered accounts.
func (h *OpenAIAPIHandler) Models() []map[string]any {
	return registry.GetGlobalRegistry().GetAvailableModels("openai")
}

// OpenAIModels handles the /v1/models endpoint.
// It returns the list of available models in OpenAI-compatible format.
func (h *OpenAIAPIHandler) OpenAIModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.Models(),
	})
}

// ChatCompletions handles the /v1/chat/completions endpoint.
// It determines whether the request is for a streaming or non-streaming
// response and dispatches accordingly.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
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
	if streamResult.Type == gjson.True {
		h.handleStreamingResponse(c, rawJSON)
	} else {
		h.handleNonStreamingResponse(c, rawJSON)
	}
}

// TokenCount handles the /v1/token-count endpoint. The body is an OpenAI
// chat payload; the response reports the estimated prompt token count.
func (h *OpenAIAPIHandler) TokenCount(c *gin.Context) {
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

	resp, errCount := h.CountTokensWithAuthManager(cliCtx, c, sdktranslator.FormatOpenAI, rawJSON)
	if errCount != nil {
		h.WriteErrorResponse(c, errCount)
		return
	}
	c.Header("Content-Type", "application/json")
	_, _ = c.Writer.Write(resp)
}

// handleNonStreamingResponse dispatches a buffered chat completion and
// writes the translated response body.
func (h *OpenAIAPIHandler) handleNonStreamingResponse(c *gin.Context, rawJSON []byte) {
	c.Header("Content-Type", "application/json")

	cliCtx, cliCancel := h.GetContextWithCancel(c, context.Background())
	defer cliCancel()

	resp, err := h.ExecuteWithAuthManager(cliCtx, c, sdktranslator.FormatOpenAI, rawJSON, h.GetAlt(c))
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}
	_, _ = c.Writer.Write(resp)
}

// handleStreamingResponse forwards translated SSE frames to the client.
// Account failover only happens before the first frame; a mid-stream error
// becomes a terminal error frame followed by [DONE].
func (h *OpenAIAPIHandler) handleStreamingResponse(c *gin.Context, rawJSON []byte) {
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

	chunks, err := h.ExecuteStreamWithAuthManager(cliCtx, c, sdktranslator.FormatOpenAI, rawJSON, h.GetAlt(c))
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
			_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", handlers.ErrorFrame(chunk.Err))
			flusher.Flush()
			break
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk.Payload)
		flusher.Flush()
	}

	_, _ = fmt.Fprintf(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}
