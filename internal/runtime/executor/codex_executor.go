package executor

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	codexauth "github.com/agentgate-dev/agentgate/internal/auth/codex"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/misc"
	"github.com/agentgate-dev/agentgate/internal/usage"
	"github.com/agentgate-dev/agentgate/internal/util"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	agexecutor "github.com/agentgate-dev/agentgate/sdk/agentgate/executor"
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const codexDefaultBaseURL = "https://chatgpt.com/backend-api/codex"

// CodexExecutor drives the ChatGPT Codex backend through the Responses API.
// The upstream only speaks SSE, so buffered calls collect the stream and
// return the response.completed frame.
type CodexExecutor struct {
	cfg *config.Config
}

func NewCodexExecutor(cfg *config.Config) *CodexExecutor { return &CodexExecutor{cfg: cfg} }

func (e *CodexExecutor) Identifier() string { return constant.Codex }

func (e *CodexExecutor) PrepareRequest(_ *http.Request, _ *coreauth.Auth) error { return nil }

func (e *CodexExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	apiKey, baseURL := codexCreds(auth)
	if apiKey == "" {
		return agexecutor.Response{}, statusErr{code: http.StatusUnauthorized, msg: "codex executor: no access token or api key on auth"}
	}
	if baseURL == "" {
		baseURL = codexDefaultBaseURL
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatOpenAIResponses
	body := sdktranslator.TranslateRequest(from, to, req.Model, bytes.Clone(req.Payload), false)
	body = applyCodexModelOverrides(body, req.Model)

	// The Codex backend rejects non-streaming calls, so force SSE and
	// collect the terminal frame below.
	body, _ = sjson.SetBytes(body, "stream", true)

	url := strings.TrimSuffix(baseURL, "/") + "/responses"
	recordAPIRequest(ctx, e.cfg, body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return agexecutor.Response{}, err
	}
	applyCodexHeaders(httpReq, auth, apiKey)

	httpClient := newHTTPClient(ctx, e.cfg, auth, streamTimeout)
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return agexecutor.Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		appendAPIResponseChunk(ctx, e.cfg, b)
		log.Debugf("request error, error status: %d, error body: %s", resp.StatusCode, string(b))
		return agexecutor.Response{}, newStatusErr(resp, b)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return agexecutor.Response{}, err
	}
	appendAPIResponseChunk(ctx, e.cfg, data)

	lines := bytes.Split(data, []byte("\n"))
	for _, line := range lines {
		if !bytes.HasPrefix(line, dataTag) {
			continue
		}
		line = bytes.TrimSpace(line[len(dataTag):])
		if gjson.GetBytes(line, "type").String() != "response.completed" {
			continue
		}
		if detail, ok := parseCodexUsage(line); ok {
			reporter.publish(ctx, detail)
		}
		var param any
		out := sdktranslator.TranslateNonStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), body, line, &param)
		return agexecutor.Response{Payload: []byte(out)}, nil
	}
	return agexecutor.Response{}, statusErr{code: http.StatusRequestTimeout, msg: "stream error: stream disconnected before completion: stream closed before response.completed"}
}

func (e *CodexExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (<-chan agexecutor.StreamChunk, error) {
	apiKey, baseURL := codexCreds(auth)
	if apiKey == "" {
		return nil, statusErr{code: http.StatusUnauthorized, msg: "codex executor: no access token or api key on auth"}
	}
	if baseURL == "" {
		baseURL = codexDefaultBaseURL
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatOpenAIResponses
	body := sdktranslator.TranslateRequest(from, to, req.Model, bytes.Clone(req.Payload), true)
	body = applyCodexModelOverrides(body, req.Model)

	url := strings.TrimSuffix(baseURL, "/") + "/responses"
	recordAPIRequest(ctx, e.cfg, body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	applyCodexHeaders(httpReq, auth, apiKey)

	httpClient := newHTTPClient(ctx, e.cfg, auth, streamTimeout)
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(resp.Body)
		appendAPIResponseChunk(ctx, e.cfg, b)
		log.Debugf("request error, error status: %d, error body: %s", resp.StatusCode, string(b))
		return nil, newStatusErr(resp, b)
	}
	out := make(chan agexecutor.StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 1024*1024)
		scanner.Buffer(buf, 1024*1024)
		var param any
		for scanner.Scan() {
			line := scanner.Bytes()
			appendAPIResponseChunk(ctx, e.cfg, line)

			if bytes.HasPrefix(line, dataTag) {
				data := bytes.TrimSpace(line[len(dataTag):])
				if gjson.GetBytes(data, "type").String() == "response.completed" {
					if detail, ok := parseCodexUsage(data); ok {
						reporter.publish(ctx, detail)
					}
				}
			}

			chunks := sdktranslator.TranslateStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), body, bytes.Clone(line), &param)
			for i := range chunks {
				out <- agexecutor.StreamChunk{Payload: []byte(chunks[i])}
			}
		}
		chunks := sdktranslator.TranslateStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), body, bytes.Clone([]byte("[DONE]")), &param)
		for i := range chunks {
			out <- agexecutor.StreamChunk{Payload: []byte(chunks[i])}
		}
		if errScan := scanner.Err(); errScan != nil {
			out <- agexecutor.StreamChunk{Err: errScan}
		}
	}()
	return out, nil
}

// CountTokens estimates prompt tokens locally. The Codex backend has no
// count endpoint, so the payload is normalised to chat-completions shape and
// measured with the model's tokenizer.
func (e *CodexExecutor) CountTokens(ctx context.Context, _ *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	from := opts.SourceFormat
	chatBody := sdktranslator.TranslateRequest(from, sdktranslator.FormatOpenAI, req.Model, bytes.Clone(req.Payload), false)
	count, err := usage.EstimateChatTokens(req.Model, chatBody)
	if err != nil {
		return agexecutor.Response{}, err
	}
	out := sdktranslator.TranslateTokenCount(ctx, from, sdktranslator.FormatOpenAIResponses, count)
	return agexecutor.Response{Payload: []byte(out)}, nil
}

func (e *CodexExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	log.Debugf("codex executor: refresh called")
	if auth == nil {
		return nil, statusErr{code: 500, msg: "codex executor: auth is nil"}
	}
	refreshToken := authMetadata(auth, "refresh_token")
	if refreshToken == "" {
		return auth, nil
	}
	svc := codexauth.NewCodexAuth(e.cfg)
	td, err := svc.RefreshTokens(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if auth.Metadata == nil {
		auth.Metadata = make(map[string]any)
	}
	auth.Metadata["id_token"] = td.IDToken
	auth.Metadata["access_token"] = td.AccessToken
	if td.RefreshToken != "" {
		auth.Metadata["refresh_token"] = td.RefreshToken
	}
	if td.AccountID != "" {
		auth.Metadata["account_id"] = td.AccountID
	}
	auth.Metadata["email"] = td.Email
	auth.Metadata["expired"] = td.Expire
	auth.Metadata["type"] = constant.Codex
	auth.Metadata["last_refresh"] = time.Now().Format(time.RFC3339)
	return auth, nil
}

// applyCodexModelOverrides maps the public reasoning-effort aliases onto the
// base model plus an explicit reasoning.effort field.
func applyCodexModelOverrides(body []byte, model string) []byte {
	if util.InArray([]string{"gpt-5", "gpt-5-minimal", "gpt-5-low", "gpt-5-medium", "gpt-5-high"}, model) {
		body, _ = sjson.SetBytes(body, "model", "gpt-5")
		switch model {
		case "gpt-5":
			body, _ = sjson.DeleteBytes(body, "reasoning.effort")
		case "gpt-5-minimal":
			body, _ = sjson.SetBytes(body, "reasoning.effort", "minimal")
		case "gpt-5-low":
			body, _ = sjson.SetBytes(body, "reasoning.effort", "low")
		case "gpt-5-medium":
			body, _ = sjson.SetBytes(body, "reasoning.effort", "medium")
		case "gpt-5-high":
			body, _ = sjson.SetBytes(body, "reasoning.effort", "high")
		}
		return body
	}
	if util.InArray([]string{"gpt-5-codex", "gpt-5-codex-low", "gpt-5-codex-medium", "gpt-5-codex-high"}, model) {
		body, _ = sjson.SetBytes(body, "model", "gpt-5-codex")
		switch model {
		case "gpt-5-codex", "gpt-5-codex-medium":
			body, _ = sjson.SetBytes(body, "reasoning.effort", "medium")
		case "gpt-5-codex-low":
			body, _ = sjson.SetBytes(body, "reasoning.effort", "low")
		case "gpt-5-codex-high":
			body, _ = sjson.SetBytes(body, "reasoning.effort", "high")
		}
	}
	return body
}

func applyCodexHeaders(r *http.Request, auth *coreauth.Auth, token string) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+token)

	var ginHeaders http.Header
	if ginCtx, ok := r.Context().Value("gin").(*gin.Context); ok && ginCtx != nil && ginCtx.Request != nil {
		ginHeaders = ginCtx.Request.Header
	}

	misc.EnsureHeader(r.Header, ginHeaders, "Version", "0.21.0")
	misc.EnsureHeader(r.Header, ginHeaders, "Openai-Beta", "responses=experimental")
	misc.EnsureHeader(r.Header, ginHeaders, "Session_id", uuid.NewString())

	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set("Connection", "Keep-Alive")

	isAPIKey := false
	if auth != nil && auth.Attributes != nil {
		if v := strings.TrimSpace(auth.Attributes["api_key"]); v != "" {
			isAPIKey = true
		}
	}
	if !isAPIKey {
		r.Header.Set("Originator", "codex_cli_rs")
		if accountID := authMetadata(auth, "account_id"); accountID != "" {
			r.Header.Set("Chatgpt-Account-Id", accountID)
		}
	}
}

// codexCreds resolves the bearer credential, preferring an explicit api_key
// attribute over the OAuth access token.
func codexCreds(a *coreauth.Auth) (apiKey, baseURL string) {
	if a == nil {
		return "", ""
	}
	if a.Attributes != nil {
		apiKey = a.Attributes["api_key"]
		baseURL = a.Attributes["base_url"]
	}
	if apiKey == "" {
		apiKey = authMetadata(a, "access_token")
	}
	return
}
