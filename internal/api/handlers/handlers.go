// Package handlers provides the shared plumbing for the API endpoint
// handlers: error shaping, model resolution, and the dispatch helpers that
// hand requests to the account manager. The per-surface packages (openai,
// claude, management) embed BaseAPIHandler and add their wire formats.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/registry"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	agexecutor "github.com/agentgate-dev/agentgate/sdk/agentgate/executor"
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrorResponse represents a standard error response format for the API.
// It contains a single ErrorDetail field.
type ErrorResponse struct {
	// Error contains detailed information about the error that occurred.
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides specific information about an error that occurred.
// It includes a human-readable message, an error type, and an optional error code.
type ErrorDetail struct {
	// Message is a human-readable message providing more details about the error.
	Message string `json:"message"`

	// Type is the category of error that occurred (e.g., "invalid_request_error").
	Type string `json:"type"`

	// Code is a short code identifying the error, if applicable.
	Code string `json:"code,omitempty"`
}

// BaseAPIHandler carries the state shared by every endpoint handler: the
// active configuration and the account manager used for dispatch.
type BaseAPIHandler struct {
	// Cfg holds the current application configuration.
	Cfg *config.Config

	// AuthManager selects accounts and executes upstream calls.
	AuthManager *coreauth.Manager
}

// NewBaseAPIHandlers creates a new base handler instance bound to the given
// configuration and account manager.
func NewBaseAPIHandlers(cfg *config.Config, authManager *coreauth.Manager) *BaseAPIHandler {
	return &BaseAPIHandler{
		Cfg:         cfg,
		AuthManager: authManager,
	}
}

// UpdateConfig swaps the handler's configuration reference during hot reload.
func (h *BaseAPIHandler) UpdateConfig(cfg *config.Config) {
	h.Cfg = cfg
}

// GetAlt extracts the 'alt' parameter from the request query string.
// It checks both 'alt' and '$alt' parameters and returns the appropriate value.
func (h *BaseAPIHandler) GetAlt(c *gin.Context) string {
	var alt string
	var hasAlt bool
	alt, hasAlt = c.GetQuery("alt")
	if !hasAlt {
		alt, _ = c.GetQuery("$alt")
	}
	if alt == "sse" {
		return ""
	}
	return alt
}

// GetContextWithCancel derives a cancellable context carrying the Gin
// context, which the executors use for request logging and usage
// attribution.
func (h *BaseAPIHandler) GetContextWithCancel(c *gin.Context, ctx context.Context) (context.Context, context.CancelFunc) {
	newCtx, cancel := context.WithCancel(ctx)
	newCtx = context.WithValue(newCtx, "gin", c) //nolint:staticcheck // executors look the gin context up by this key
	return newCtx, cancel
}

// ResolveModel maps a requested model onto the bare upstream model name and
// the ordered provider candidates able to serve it.
func (h *BaseAPIHandler) ResolveModel(modelName string) (string, []string, error) {
	if modelName == "" {
		return "", nil, &coreauth.Error{
			Code:       "model_not_found",
			Message:    "missing model field in request",
			HTTPStatus: http.StatusBadRequest,
		}
	}
	upstreamModel, providers := registry.GetGlobalRegistry().ResolveModel(modelName)
	if len(providers) == 0 {
		return "", nil, &coreauth.Error{
			Code:       "model_not_found",
			Message:    fmt.Sprintf("model %q is not available", modelName),
			HTTPStatus: http.StatusNotFound,
		}
	}
	return upstreamModel, providers, nil
}

// ExecuteWithAuthManager resolves the requested model, strips any provider
// prefix from the payload and dispatches a buffered call through the account
// manager. The returned payload is already in the source wire format.
func (h *BaseAPIHandler) ExecuteWithAuthManager(ctx context.Context, c *gin.Context, source sdktranslator.Format, rawJSON []byte, alt string) ([]byte, error) {
	req, opts, providers, err := h.dispatchArgs(c, source, rawJSON, alt, false)
	if err != nil {
		return nil, err
	}
	resp, err := h.AuthManager.Execute(ctx, providers, req, opts)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// ExecuteStreamWithAuthManager is the streaming counterpart of
// ExecuteWithAuthManager. Failover happens before the first frame; once the
// channel is live, errors arrive as a terminal chunk.
func (h *BaseAPIHandler) ExecuteStreamWithAuthManager(ctx context.Context, c *gin.Context, source sdktranslator.Format, rawJSON []byte, alt string) (<-chan agexecutor.StreamChunk, error) {
	req, opts, providers, err := h.dispatchArgs(c, source, rawJSON, alt, true)
	if err != nil {
		return nil, err
	}
	return h.AuthManager.ExecuteStream(ctx, providers, req, opts)
}

// CountTokensWithAuthManager dispatches a token-count request. The response
// payload is shaped for the source format by the executor.
func (h *BaseAPIHandler) CountTokensWithAuthManager(ctx context.Context, c *gin.Context, source sdktranslator.Format, rawJSON []byte) ([]byte, error) {
	req, opts, providers, err := h.dispatchArgs(c, source, rawJSON, "", false)
	if err != nil {
		return nil, err
	}
	resp, err := h.AuthManager.CountTokens(ctx, providers, req, opts)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// dispatchArgs builds the executor request and options for a raw inbound
// payload. The model field is rewritten to the upstream name so executors
// never see provider prefixes.
func (h *BaseAPIHandler) dispatchArgs(c *gin.Context, source sdktranslator.Format, rawJSON []byte, alt string, stream bool) (agexecutor.Request, agexecutor.Options, []string, error) {
	modelName := gjson.GetBytes(rawJSON, "model").String()
	upstreamModel, providers, err := h.ResolveModel(modelName)
	if err != nil {
		return agexecutor.Request{}, agexecutor.Options{}, nil, err
	}

	payload := bytes.Clone(rawJSON)
	if upstreamModel != modelName {
		payload, _ = sjson.SetBytes(payload, "model", upstreamModel)
	}

	req := agexecutor.Request{
		Model:   upstreamModel,
		Payload: payload,
	}
	opts := agexecutor.Options{
		UserID:          c.GetString("userID"),
		SourceFormat:    source,
		OriginalRequest: bytes.Clone(rawJSON),
		Stream:          stream,
		Alt:             alt,
		Metadata:        map[string]any{"requested_model": modelName},
	}
	return req, opts, providers, nil
}

// WriteErrorResponse renders err as a JSON error body, attaching a
// Retry-After header when the error carries a wait hint.
func (h *BaseAPIHandler) WriteErrorResponse(c *gin.Context, err error) {
	status, detail := ErrorDetailFromError(err)
	if retry := RetryAfterFromError(err); retry > 0 {
		c.Header("Retry-After", strconv.Itoa(int((retry+time.Second-1)/time.Second)))
	}
	c.Header("Content-Type", "application/json")
	c.JSON(status, ErrorResponse{Error: detail})
}

// ErrorDetailFromError shapes a dispatch or executor error for the wire.
func ErrorDetailFromError(err error) (int, ErrorDetail) {
	status := coreauth.StatusCodeFromError(err)
	if status == 0 {
		status = http.StatusInternalServerError
	}
	detail := ErrorDetail{
		Message: err.Error(),
		Type:    ErrorTypeForStatus(status),
	}
	var authErr *coreauth.Error
	if errors.As(err, &authErr) && authErr.Code != "" {
		detail.Code = authErr.Code
	}
	return status, detail
}

// ErrorTypeForStatus maps an HTTP status code onto the wire error type.
func ErrorTypeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestTimeout:
		return "timeout_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusServiceUnavailable:
		return "quota_exhausted"
	default:
		return "server_error"
	}
}

// RetryAfterFromError extracts the wait hint carried by rate-limit and
// quota errors, or zero when none is present.
func RetryAfterFromError(err error) time.Duration {
	var hinted interface{ RetryAfter() *time.Duration }
	if errors.As(err, &hinted) {
		if d := hinted.RetryAfter(); d != nil {
			return *d
		}
	}
	return 0
}

// ErrorFrame renders err as the payload of a terminal SSE error frame.
func ErrorFrame(err error) []byte {
	_, detail := ErrorDetailFromError(err)
	data, errMarshal := json.Marshal(ErrorResponse{Error: detail})
	if errMarshal != nil {
		return []byte(`{"error":{"message":"stream error","type":"server_error"}}`)
	}
	return data
}
