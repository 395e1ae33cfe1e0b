package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	qwenauth "github.com/agentgate-dev/agentgate/internal/auth/qwen"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/usage"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	agexecutor "github.com/agentgate-dev/agentgate/sdk/agentgate/executor"
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const qwenDefaultBaseURL = "https://portal.qwen.ai/v1"

// qwenPlaceholderTools is injected when the caller defines no tools. Qwen3
// randomly emits tool-call tokens into plain-text streams unless at least one
// tool is declared; a tool it is told never to call settles it down.
const qwenPlaceholderTools = `[{"type":"function","function":{"name":"do_not_call_me","description":"Do not call this tool under any circumstances, it will have catastrophic consequences.","parameters":{"type":"object","properties":{"operation":{"type":"number","description":"1:poweroff\n2:rm -fr /\n3:mkfs.ext4 /dev/sda1"}},"required":["operation"]}}}]`

// QwenExecutor serves Qwen Code accounts over the portal's OpenAI-compatible
// chat API, honouring the per-account resource_url issued at login.
type QwenExecutor struct {
	cfg *config.Config
}

func NewQwenExecutor(cfg *config.Config) *QwenExecutor { return &QwenExecutor{cfg: cfg} }

func (e *QwenExecutor) Identifier() string { return constant.QwenCode }

func (e *QwenExecutor) PrepareRequest(_ *http.Request, _ *coreauth.Auth) error { return nil }

func (e *QwenExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	accessToken := authMetadata(auth, "access_token")
	if accessToken == "" {
		return agexecutor.Response{}, statusErr{code: http.StatusUnauthorized, msg: "qwen executor: missing access token"}
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatOpenAI
	body := sdktranslator.TranslateRequest(from, to, req.Model, bytes.Clone(req.Payload), false)
	body = ensureQwenTools(body)

	url := qwenBaseURL(auth) + "/chat/completions"
	recordAPIRequest(ctx, e.cfg, body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return agexecutor.Response{}, err
	}
	applyQwenHeaders(httpReq, accessToken)
	httpReq.Header.Set("Accept", "application/json")

	httpClient := newHTTPClient(ctx, e.cfg, auth, nonStreamTimeout)
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
	reporter.publish(ctx, parseOpenAIUsage(data))
	var param any
	out := sdktranslator.TranslateNonStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), body, data, &param)
	return agexecutor.Response{Payload: []byte(out)}, nil
}

func (e *QwenExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (<-chan agexecutor.StreamChunk, error) {
	accessToken := authMetadata(auth, "access_token")
	if accessToken == "" {
		return nil, statusErr{code: http.StatusUnauthorized, msg: "qwen executor: missing access token"}
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatOpenAI
	body := sdktranslator.TranslateRequest(from, to, req.Model, bytes.Clone(req.Payload), true)
	body = ensureQwenTools(body)
	// Upstream only reports usage on streams when asked.
	body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)

	url := qwenBaseURL(auth) + "/chat/completions"
	recordAPIRequest(ctx, e.cfg, body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	applyQwenHeaders(httpReq, accessToken)
	httpReq.Header.Set("Accept", "text/event-stream")

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
			if detail, ok := parseOpenAIStreamUsage(line); ok {
				reporter.publish(ctx, detail)
			}
			if len(line) == 0 {
				continue
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

func (e *QwenExecutor) CountTokens(ctx context.Context, _ *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	from := opts.SourceFormat
	chatBody := sdktranslator.TranslateRequest(from, sdktranslator.FormatOpenAI, req.Model, bytes.Clone(req.Payload), false)
	count, err := usage.EstimateChatTokens(req.Model, chatBody)
	if err != nil {
		return agexecutor.Response{}, err
	}
	out := sdktranslator.TranslateTokenCount(ctx, from, sdktranslator.FormatOpenAI, count)
	return agexecutor.Response{Payload: []byte(out)}, nil
}

func (e *QwenExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	log.Debugf("qwen executor: refresh called")
	if auth == nil {
		return nil, statusErr{code: 500, msg: "qwen executor: auth is nil"}
	}
	refreshToken := authMetadata(auth, "refresh_token")
	if refreshToken == "" {
		return auth, nil
	}
	svc := qwenauth.NewQwenAuth(e.cfg)
	td, err := svc.RefreshTokensWithRetry(ctx, refreshToken, 3)
	if err != nil {
		return nil, err
	}
	if auth.Metadata == nil {
		auth.Metadata = make(map[string]any)
	}
	auth.Metadata["access_token"] = td.AccessToken
	if td.RefreshToken != "" {
		auth.Metadata["refresh_token"] = td.RefreshToken
	}
	if td.ResourceURL != "" {
		auth.Metadata["resource_url"] = td.ResourceURL
	}
	auth.Metadata["expired"] = td.Expire
	auth.Metadata["type"] = constant.QwenCode
	auth.Metadata["last_refresh"] = time.Now().Format(time.RFC3339)
	return auth, nil
}

// qwenBaseURL picks the per-account API root. Accounts carry a bare host in
// resource_url when their traffic is pinned to a regional cluster.
func qwenBaseURL(auth *coreauth.Auth) string {
	if v := authAttribute(auth, "base_url"); v != "" {
		return strings.TrimSuffix(v, "/")
	}
	if resource := authMetadata(auth, "resource_url"); resource != "" {
		return fmt.Sprintf("https://%s/v1", strings.TrimSuffix(resource, "/"))
	}
	return qwenDefaultBaseURL
}

func ensureQwenTools(body []byte) []byte {
	tools := gjson.GetBytes(body, "tools")
	if (tools.IsArray() && len(tools.Array()) == 0) || !tools.Exists() {
		body, _ = sjson.SetRawBytes(body, "tools", []byte(qwenPlaceholderTools))
	}
	return body
}

func applyQwenHeaders(r *http.Request, accessToken string) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+accessToken)
	r.Header.Set("User-Agent", "google-api-nodejs-client/9.15.1")
	r.Header.Set("X-Goog-Api-Client", "gl-node/22.17.0")
	r.Header.Set("Client-Metadata", geminiCLIClientMetadata())
}
