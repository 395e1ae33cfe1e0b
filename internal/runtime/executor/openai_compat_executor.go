package executor

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/usage"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	agexecutor "github.com/agentgate-dev/agentgate/sdk/agentgate/executor"
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// compatDefaultBaseURLs maps canonical provider names to their documented
// chat-completions roots, used when an account does not carry base_url.
var compatDefaultBaseURLs = map[string]string{
	constant.NvidiaNIM:   "https://integrate.api.nvidia.com/v1",
	constant.OllamaCloud: "https://ollama.com/v1",
	constant.OpenRouter:  "https://openrouter.ai/api/v1",
}

// OpenAICompatExecutor is a stateless executor for providers that speak plain
// chat.completions. It translates the inbound payload to OpenAI format and
// executes against the account's base URL with its bearer credential.
type OpenAICompatExecutor struct {
	provider string
	cfg      *config.Config
}

// NewOpenAICompatExecutor creates an executor bound to a provider key
// (e.g. "openrouter").
func NewOpenAICompatExecutor(provider string, cfg *config.Config) *OpenAICompatExecutor {
	return &OpenAICompatExecutor{provider: provider, cfg: cfg}
}

func (e *OpenAICompatExecutor) Identifier() string { return e.provider }

func (e *OpenAICompatExecutor) PrepareRequest(_ *http.Request, _ *coreauth.Auth) error { return nil }

func (e *OpenAICompatExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	baseURL, apiKey := e.resolveCredentials(auth)
	if baseURL == "" || apiKey == "" {
		return agexecutor.Response{}, statusErr{code: http.StatusUnauthorized, msg: "missing provider baseURL or apiKey"}
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatOpenAI
	translated := sdktranslator.TranslateRequest(from, to, req.Model, bytes.Clone(req.Payload), false)
	if modelOverride := e.resolveUpstreamModel(req.Model, auth); modelOverride != "" {
		translated = overrideModel(translated, modelOverride)
	}

	url := strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	recordAPIRequest(ctx, e.cfg, translated)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(translated))
	if err != nil {
		return agexecutor.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("User-Agent", "agentgate-openai-compat")

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
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return agexecutor.Response{}, err
	}
	appendAPIResponseChunk(ctx, e.cfg, body)
	reporter.publish(ctx, parseOpenAIUsage(body))
	var param any
	out := sdktranslator.TranslateNonStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), translated, body, &param)
	return agexecutor.Response{Payload: []byte(out)}, nil
}

func (e *OpenAICompatExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (<-chan agexecutor.StreamChunk, error) {
	baseURL, apiKey := e.resolveCredentials(auth)
	if baseURL == "" || apiKey == "" {
		return nil, statusErr{code: http.StatusUnauthorized, msg: "missing provider baseURL or apiKey"}
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatOpenAI
	translated := sdktranslator.TranslateRequest(from, to, req.Model, bytes.Clone(req.Payload), true)
	if modelOverride := e.resolveUpstreamModel(req.Model, auth); modelOverride != "" {
		translated = overrideModel(translated, modelOverride)
	}

	url := strings.TrimSuffix(baseURL, "/") + "/chat/completions"
	recordAPIRequest(ctx, e.cfg, translated)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(translated))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("User-Agent", "agentgate-openai-compat")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

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
			chunks := sdktranslator.TranslateStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), translated, bytes.Clone(line), &param)
			for i := range chunks {
				out <- agexecutor.StreamChunk{Payload: []byte(chunks[i])}
			}
		}
		chunks := sdktranslator.TranslateStream(ctx, from, to, req.Model, bytes.Clone(opts.OriginalRequest), translated, bytes.Clone([]byte("[DONE]")), &param)
		for i := range chunks {
			out <- agexecutor.StreamChunk{Payload: []byte(chunks[i])}
		}
		if errScan := scanner.Err(); errScan != nil {
			out <- agexecutor.StreamChunk{Err: errScan}
		}
	}()
	return out, nil
}

// CountTokens estimates prompt tokens locally; compatible upstreams expose no
// count endpoint.
func (e *OpenAICompatExecutor) CountTokens(ctx context.Context, _ *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	from := opts.SourceFormat
	chatBody := sdktranslator.TranslateRequest(from, sdktranslator.FormatOpenAI, req.Model, bytes.Clone(req.Payload), false)
	count, err := usage.EstimateChatTokens(req.Model, chatBody)
	if err != nil {
		return agexecutor.Response{}, err
	}
	out := sdktranslator.TranslateTokenCount(ctx, from, sdktranslator.FormatOpenAI, count)
	return agexecutor.Response{Payload: []byte(out)}, nil
}

// Refresh is a no-op for API-key based compatibility providers.
func (e *OpenAICompatExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	log.Debugf("openai compat executor: refresh called")
	_ = ctx
	return auth, nil
}

// resolveCredentials reads the account's base URL and bearer credential. The
// bearer falls back to the OAuth access token so token-maintained accounts
// (Kiro) can ride the same path; the base URL falls back to the provider's
// documented endpoint.
func (e *OpenAICompatExecutor) resolveCredentials(auth *coreauth.Auth) (baseURL, apiKey string) {
	if auth == nil {
		return "", ""
	}
	if auth.Attributes != nil {
		baseURL = auth.Attributes["base_url"]
		apiKey = auth.Attributes["api_key"]
	}
	if apiKey == "" {
		apiKey = authMetadata(auth, "access_token")
	}
	if baseURL == "" {
		baseURL = compatDefaultBaseURLs[e.provider]
	}
	return
}

// resolveUpstreamModel maps a client-facing alias onto the upstream model
// name using the account's compatibility configuration.
func (e *OpenAICompatExecutor) resolveUpstreamModel(alias string, auth *coreauth.Auth) string {
	if alias == "" || auth == nil || e.cfg == nil {
		return ""
	}
	compat := e.resolveCompatConfig(auth)
	if compat == nil {
		return ""
	}
	for i := range compat.Models {
		model := compat.Models[i]
		if model.Alias != "" {
			if strings.EqualFold(model.Alias, alias) {
				if model.Name != "" {
					return model.Name
				}
				return alias
			}
			continue
		}
		if strings.EqualFold(model.Name, alias) {
			return model.Name
		}
	}
	return ""
}

func (e *OpenAICompatExecutor) resolveCompatConfig(auth *coreauth.Auth) *config.OpenAICompatibility {
	if auth == nil || e.cfg == nil {
		return nil
	}
	candidates := make([]string, 0, 3)
	if auth.Attributes != nil {
		if v := strings.TrimSpace(auth.Attributes["compat_name"]); v != "" {
			candidates = append(candidates, v)
		}
		if v := strings.TrimSpace(auth.Attributes["provider_key"]); v != "" {
			candidates = append(candidates, v)
		}
	}
	if v := strings.TrimSpace(auth.Provider); v != "" {
		candidates = append(candidates, v)
	}
	for i := range e.cfg.OpenAICompatibility {
		compat := &e.cfg.OpenAICompatibility[i]
		for _, candidate := range candidates {
			if candidate != "" && strings.EqualFold(strings.TrimSpace(candidate), compat.Name) {
				return compat
			}
		}
	}
	return nil
}

func overrideModel(payload []byte, model string) []byte {
	if len(payload) == 0 || model == "" {
		return payload
	}
	payload, _ = sjson.SetBytes(payload, "model", model)
	return payload
}
