package executor

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	iflowauth "github.com/agentgate-dev/agentgate/internal/auth/iflow"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/usage"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	agexecutor "github.com/agentgate-dev/agentgate/sdk/agentgate/executor"
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const iflowUserAgent = "iFlow-Cli"

// IFlowExecutor executes OpenAI-compatible chat completions against the
// iFlow API using the chat API key minted during OAuth login. Every request
// carries the CLI session headers and an HMAC signature derived from them.
type IFlowExecutor struct {
	cfg *config.Config
}

func NewIFlowExecutor(cfg *config.Config) *IFlowExecutor { return &IFlowExecutor{cfg: cfg} }

func (e *IFlowExecutor) Identifier() string { return constant.IFlow }

func (e *IFlowExecutor) PrepareRequest(_ *http.Request, _ *coreauth.Auth) error { return nil }

func (e *IFlowExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	apiKey, baseURL := iflowCreds(auth)
	if apiKey == "" {
		return agexecutor.Response{}, statusErr{code: http.StatusUnauthorized, msg: "iflow executor: missing api key"}
	}
	if baseURL == "" {
		baseURL = iflowauth.DefaultAPIBaseURL
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatOpenAI
	body := sdktranslator.TranslateRequest(from, to, req.Model, bytes.Clone(req.Payload), false)

	url := strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	recordAPIRequest(ctx, e.cfg, body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return agexecutor.Response{}, err
	}
	applyIFlowHeaders(httpReq, apiKey, false)

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

func (e *IFlowExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (<-chan agexecutor.StreamChunk, error) {
	apiKey, baseURL := iflowCreds(auth)
	if apiKey == "" {
		return nil, statusErr{code: http.StatusUnauthorized, msg: "iflow executor: missing api key"}
	}
	if baseURL == "" {
		baseURL = iflowauth.DefaultAPIBaseURL
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatOpenAI
	body := sdktranslator.TranslateRequest(from, to, req.Model, bytes.Clone(req.Payload), true)

	url := strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	recordAPIRequest(ctx, e.cfg, body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	applyIFlowHeaders(httpReq, apiKey, true)

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

func (e *IFlowExecutor) CountTokens(ctx context.Context, _ *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	from := opts.SourceFormat
	chatBody := sdktranslator.TranslateRequest(from, sdktranslator.FormatOpenAI, req.Model, bytes.Clone(req.Payload), false)
	count, err := usage.EstimateChatTokens(req.Model, chatBody)
	if err != nil {
		return agexecutor.Response{}, err
	}
	out := sdktranslator.TranslateTokenCount(ctx, from, sdktranslator.FormatOpenAI, count)
	return agexecutor.Response{Payload: []byte(out)}, nil
}

// Refresh renews the OAuth token pair and, through it, the chat API key.
// When the user-info call fails the auth service keeps the stored key, so
// only a non-empty key overwrites the previous one.
func (e *IFlowExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	log.Debugf("iflow executor: refresh called")
	if auth == nil {
		return nil, statusErr{code: 500, msg: "iflow executor: auth is nil"}
	}
	refreshToken := authMetadata(auth, "refresh_token")
	if refreshToken == "" {
		return auth, nil
	}
	svc := iflowauth.NewIFlowAuth(e.cfg)
	td, err := svc.RefreshTokens(ctx, refreshToken)
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
	if td.APIKey != "" {
		auth.Metadata["api_key"] = td.APIKey
		if auth.Attributes == nil {
			auth.Attributes = make(map[string]string)
		}
		auth.Attributes["api_key"] = td.APIKey
	}
	auth.Metadata["expired"] = td.Expire
	if td.Email != "" {
		auth.Metadata["email"] = td.Email
	}
	auth.Metadata["type"] = constant.IFlow
	auth.Metadata["last_refresh"] = time.Now().Format(time.RFC3339)
	return auth, nil
}

// applyIFlowHeaders stamps the CLI identity headers. The signature covers
// "userAgent:sessionId:timestamp" keyed with the chat API key.
func applyIFlowHeaders(r *http.Request, apiKey string, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("User-Agent", iflowUserAgent)

	sessionID := "session-" + uuid.NewString()
	r.Header.Set("session-id", sessionID)

	timestamp := time.Now().UnixMilli()
	r.Header.Set("x-iflow-timestamp", fmt.Sprintf("%d", timestamp))
	if sig := iflowSignature(iflowUserAgent, sessionID, timestamp, apiKey); sig != "" {
		r.Header.Set("x-iflow-signature", sig)
	}

	if stream {
		r.Header.Set("Accept", "text/event-stream")
	} else {
		r.Header.Set("Accept", "application/json")
	}
}

func iflowSignature(userAgent, sessionID string, timestamp int64, apiKey string) string {
	if apiKey == "" {
		return ""
	}
	payload := fmt.Sprintf("%s:%s:%d", userAgent, sessionID, timestamp)
	h := hmac.New(sha256.New, []byte(apiKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// iflowCreds resolves the chat API key, falling back to metadata for
// accounts imported before the attribute was stamped at login.
func iflowCreds(a *coreauth.Auth) (apiKey, baseURL string) {
	if a == nil {
		return "", ""
	}
	if a.Attributes != nil {
		apiKey = strings.TrimSpace(a.Attributes["api_key"])
		baseURL = strings.TrimSpace(a.Attributes["base_url"])
	}
	if apiKey == "" {
		apiKey = strings.TrimSpace(authMetadata(a, "api_key"))
	}
	if baseURL == "" {
		baseURL = strings.TrimSpace(authMetadata(a, "base_url"))
	}
	return apiKey, baseURL
}
