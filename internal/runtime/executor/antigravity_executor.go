package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	antigravityauth "github.com/agentgate-dev/agentgate/internal/auth/antigravity"
	geminiauth "github.com/agentgate-dev/agentgate/internal/auth/gemini"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	agexecutor "github.com/agentgate-dev/agentgate/sdk/agentgate/executor"
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// AntigravityExecutor serves Claude and Gemini models through the Code
// Assist sandbox hosts with the Antigravity agent identity. Generate calls
// walk daily -> autopush -> prod; Claude models only answer the streaming
// endpoint, so buffered requests collect the stream and merge it back into
// a single response.
type AntigravityExecutor struct {
	cfg *config.Config
}

func NewAntigravityExecutor(cfg *config.Config) *AntigravityExecutor {
	return &AntigravityExecutor{cfg: cfg}
}

func (e *AntigravityExecutor) Identifier() string { return constant.Antigravity }

func (e *AntigravityExecutor) PrepareRequest(_ *http.Request, _ *coreauth.Auth) error { return nil }

// antigravityUpstreamModel resolves provider-internal aliases before the
// envelope is built.
func antigravityUpstreamModel(model string) string {
	if model == "claude-opus-4-5" {
		return "claude-opus-4-5-thinking"
	}
	return model
}

func antigravityRequiresStream(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

func (e *AntigravityExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	accessToken := authMetadata(auth, "access_token")
	if accessToken == "" {
		return agexecutor.Response{}, statusErr{code: 401, msg: "antigravity executor: missing access token"}
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatGeminiCodeAssist
	upstreamModel := antigravityUpstreamModel(req.Model)
	forced := antigravityRequiresStream(upstreamModel)

	payload := sdktranslator.TranslateRequest(from, to, upstreamModel, bytes.Clone(req.Payload), forced)
	payload = setJSONField(payload, "project", geminiProjectID(auth))
	payload = setJSONField(payload, "model", upstreamModel)

	action := "generateContent"
	if req.Metadata != nil {
		if a, _ := req.Metadata["action"].(string); a == "countTokens" {
			action = "countTokens"
		}
	}
	if action == "countTokens" {
		payload = countTokensPayload(payload, upstreamModel)
		return e.executeBuffered(ctx, auth, req, opts, payload, action, accessToken, nil)
	}

	if forced {
		// Claude models only serve streamGenerateContent; collect and merge.
		data, err := e.collectStream(ctx, auth, payload, accessToken)
		if err != nil {
			return agexecutor.Response{}, err
		}
		reporter.publish(ctx, parseGeminiUsage(data))
		var param any
		out := sdktranslator.TranslateNonStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), payload, data, &param)
		return agexecutor.Response{Payload: []byte(out)}, nil
	}

	return e.executeBuffered(ctx, auth, req, opts, payload, action, accessToken, reporter)
}

func (e *AntigravityExecutor) executeBuffered(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options, payload []byte, action, accessToken string, reporter *usageReporter) (agexecutor.Response, error) {
	from := opts.SourceFormat
	to := sdktranslator.FormatGeminiCodeAssist
	httpClient := newHTTPClient(ctx, e.cfg, auth, nonStreamTimeout)
	hosts := geminiauth.AntigravityEndpointOrders().Generate

	var lastErr statusErr
	for idx, host := range hosts {
		url := fmt.Sprintf("%s/%s:%s", host, geminiauth.CodeAssistAPIVersion, action)
		recordAPIRequest(ctx, e.cfg, payload)
		reqHTTP, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if errReq != nil {
			return agexecutor.Response{}, errReq
		}
		applyAntigravityHeaders(reqHTTP, accessToken)

		resp, errDo := httpClient.Do(reqHTTP)
		if errDo != nil {
			if idx+1 < len(hosts) {
				continue
			}
			return agexecutor.Response{}, errDo
		}
		data, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		appendAPIResponseChunk(ctx, e.cfg, data)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if reporter != nil {
				reporter.publish(ctx, parseGeminiCLIUsage(data))
			}
			var param any
			out := sdktranslator.TranslateNonStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), payload, data, &param)
			return agexecutor.Response{Payload: []byte(out)}, nil
		}
		log.Debugf("request error, error status: %d, error body: %s", resp.StatusCode, string(data))
		lastErr = newStatusErr(resp, data)
		if idx+1 < len(hosts) && shouldTryNextCodeAssistHost(resp.StatusCode) {
			continue
		}
		break
	}
	return agexecutor.Response{}, lastErr
}

func (e *AntigravityExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (<-chan agexecutor.StreamChunk, error) {
	accessToken := authMetadata(auth, "access_token")
	if accessToken == "" {
		return nil, statusErr{code: 401, msg: "antigravity executor: missing access token"}
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatGeminiCodeAssist
	upstreamModel := antigravityUpstreamModel(req.Model)
	payload := sdktranslator.TranslateRequest(from, to, upstreamModel, bytes.Clone(req.Payload), true)
	payload = setJSONField(payload, "project", geminiProjectID(auth))
	payload = setJSONField(payload, "model", upstreamModel)

	httpClient := newHTTPClient(ctx, e.cfg, auth, streamTimeout)
	hosts := geminiauth.AntigravityEndpointOrders().Generate

	var lastErr statusErr
	for idx, host := range hosts {
		url := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", host, geminiauth.CodeAssistAPIVersion)
		recordAPIRequest(ctx, e.cfg, payload)
		reqHTTP, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if errReq != nil {
			return nil, errReq
		}
		applyAntigravityHeaders(reqHTTP, accessToken)
		reqHTTP.Header.Set("Accept", "text/event-stream")

		resp, errDo := httpClient.Do(reqHTTP)
		if errDo != nil {
			if idx+1 < len(hosts) {
				continue
			}
			return nil, errDo
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			appendAPIResponseChunk(ctx, e.cfg, data)
			log.Debugf("request error, error status: %d, error body: %s", resp.StatusCode, string(data))
			lastErr = newStatusErr(resp, data)
			if idx+1 < len(hosts) && shouldTryNextCodeAssistHost(resp.StatusCode) {
				continue
			}
			return nil, lastErr
		}

		out := make(chan agexecutor.StreamChunk)
		go func(resp *http.Response, reqBody []byte) {
			defer close(out)
			defer func() { _ = resp.Body.Close() }()
			scanner := bufio.NewScanner(resp.Body)
			buf := make([]byte, 1024*1024)
			scanner.Buffer(buf, 1024*1024)
			var param any
			for scanner.Scan() {
				line := scanner.Bytes()
				appendAPIResponseChunk(ctx, e.cfg, line)
				if !bytes.HasPrefix(line, dataTag) {
					continue
				}
				if detail, ok := parseGeminiCLIStreamUsage(line); ok {
					reporter.publish(ctx, detail)
				}
				segments := sdktranslator.TranslateStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), reqBody, bytes.Clone(line), &param)
				for i := range segments {
					out <- agexecutor.StreamChunk{Payload: []byte(segments[i])}
				}
			}
			segments := sdktranslator.TranslateStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), reqBody, bytes.Clone([]byte("[DONE]")), &param)
			for i := range segments {
				out <- agexecutor.StreamChunk{Payload: []byte(segments[i])}
			}
			if errScan := scanner.Err(); errScan != nil {
				out <- agexecutor.StreamChunk{Err: errScan}
			}
		}(resp, append([]byte(nil), payload...))
		return out, nil
	}
	if lastErr.code == 0 {
		lastErr = statusErr{code: 502, msg: "antigravity executor: all hosts failed"}
	}
	return nil, lastErr
}

// collectStream performs the forced-streaming call for Claude models and
// merges the SSE frames back into one Code Assist response body.
func (e *AntigravityExecutor) collectStream(ctx context.Context, auth *coreauth.Auth, payload []byte, accessToken string) ([]byte, error) {
	httpClient := newHTTPClient(ctx, e.cfg, auth, streamTimeout)
	hosts := geminiauth.AntigravityEndpointOrders().Generate

	var lastErr statusErr
	for idx, host := range hosts {
		url := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", host, geminiauth.CodeAssistAPIVersion)
		recordAPIRequest(ctx, e.cfg, payload)
		reqHTTP, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if errReq != nil {
			return nil, errReq
		}
		applyAntigravityHeaders(reqHTTP, accessToken)
		reqHTTP.Header.Set("Accept", "text/event-stream")

		resp, errDo := httpClient.Do(reqHTTP)
		if errDo != nil {
			if idx+1 < len(hosts) {
				continue
			}
			return nil, errDo
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			appendAPIResponseChunk(ctx, e.cfg, data)
			log.Debugf("request error, error status: %d, error body: %s", resp.StatusCode, string(data))
			lastErr = newStatusErr(resp, data)
			if idx+1 < len(hosts) && shouldTryNextCodeAssistHost(resp.StatusCode) {
				continue
			}
			return nil, lastErr
		}

		var frames [][]byte
		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 1024*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			appendAPIResponseChunk(ctx, e.cfg, line)
			if payloadLine := jsonPayload(line); payloadLine != nil {
				frames = append(frames, bytes.Clone(payloadLine))
			}
		}
		errScan := scanner.Err()
		_ = resp.Body.Close()
		if errScan != nil {
			return nil, errScan
		}
		if len(frames) == 0 {
			return nil, statusErr{code: 502, msg: "antigravity executor: empty stream response"}
		}
		return mergeCodeAssistFrames(frames), nil
	}
	if lastErr.code == 0 {
		lastErr = statusErr{code: 502, msg: "antigravity executor: all hosts failed"}
	}
	return nil, lastErr
}

func (e *AntigravityExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	if req.Metadata == nil {
		req.Metadata = make(map[string]any)
	}
	req.Metadata["action"] = "countTokens"
	return e.Execute(ctx, auth, req, opts)
}

func (e *AntigravityExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	log.Debugf("antigravity executor: refresh called")
	if auth == nil {
		return nil, statusErr{code: 500, msg: "antigravity executor: auth is nil"}
	}
	refreshToken := authMetadata(auth, "refresh_token")
	if refreshToken == "" {
		return auth, nil
	}
	svc := antigravityauth.NewAntigravityAuth(e.cfg)
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
	auth.Metadata["expired"] = td.Expire
	if td.Email != "" {
		auth.Metadata["email"] = td.Email
	}
	if td.ProjectID != "" {
		auth.Metadata["project_id"] = td.ProjectID
	}
	auth.Metadata["type"] = constant.Antigravity
	auth.Metadata["last_refresh"] = time.Now().Format(time.RFC3339)
	return auth, nil
}

func applyAntigravityHeaders(r *http.Request, accessToken string) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+accessToken)
	r.Header.Set("User-Agent", antigravityauth.UserAgent)
}

// shouldTryNextCodeAssistHost reports whether the next sandbox host should
// be attempted: 429, 408, 404 and 5xx rotate, other 4xx stop.
func shouldTryNextCodeAssistHost(status int) bool {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status == http.StatusNotFound {
		return true
	}
	return status >= 500
}

// mergeCodeAssistFrames folds streamed Code Assist chunks into one buffered
// response body. Consecutive text parts with the same thought flag coalesce;
// functionCall and other structured parts keep their order; the last
// finishReason and usageMetadata win.
func mergeCodeAssistFrames(frames [][]byte) []byte {
	type textPart struct {
		thought   bool
		signature string
		text      strings.Builder
	}
	var (
		parts        []any
		openText     *textPart
		finishReason string
		usageRaw     string
		modelVersion string
		responseID   string
	)

	flushText := func() {
		if openText == nil {
			return
		}
		part := map[string]any{"text": openText.text.String()}
		if openText.thought {
			part["thought"] = true
		}
		if openText.signature != "" {
			part["thoughtSignature"] = openText.signature
		}
		parts = append(parts, part)
		openText = nil
	}

	for _, frame := range frames {
		root := gjson.ParseBytes(frame)
		if wrapped := root.Get("response"); wrapped.Exists() {
			root = wrapped
		}
		candidate := root.Get("candidates.0")
		if fr := candidate.Get("finishReason"); fr.Exists() {
			finishReason = fr.String()
		}
		if um := root.Get("usageMetadata"); um.Exists() {
			usageRaw = um.Raw
		}
		if mv := root.Get("modelVersion"); mv.Exists() {
			modelVersion = mv.String()
		}
		if rid := root.Get("responseId"); rid.Exists() {
			responseID = rid.String()
		}
		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() && !part.Get("functionCall").Exists() {
				thought := part.Get("thought").Bool()
				if openText == nil || openText.thought != thought {
					flushText()
					openText = &textPart{thought: thought}
				}
				openText.text.WriteString(text.String())
				if sig := part.Get("thoughtSignature"); sig.Exists() {
					openText.signature = sig.String()
				}
				return true
			}
			flushText()
			var structured map[string]any
			if err := json.Unmarshal([]byte(part.Raw), &structured); err == nil {
				parts = append(parts, structured)
			}
			return true
		})
	}
	flushText()

	content := map[string]any{"role": "model", "parts": parts}
	candidate := map[string]any{"content": content, "index": 0}
	if finishReason != "" {
		candidate["finishReason"] = finishReason
	}
	merged := map[string]any{"candidates": []any{candidate}}
	if usageRaw != "" {
		merged["usageMetadata"] = json.RawMessage(usageRaw)
	}
	if modelVersion != "" {
		merged["modelVersion"] = modelVersion
	}
	if responseID != "" {
		merged["responseId"] = responseID
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil
	}
	return out
}
