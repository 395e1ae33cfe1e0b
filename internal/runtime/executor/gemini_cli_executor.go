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

	geminiauth "github.com/agentgate-dev/agentgate/internal/auth/gemini"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/constant"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	agexecutor "github.com/agentgate-dev/agentgate/sdk/agentgate/executor"
	sdktranslator "github.com/agentgate-dev/agentgate/sdk/translator"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GeminiCLIExecutor talks to the production Code Assist endpoint using the
// OAuth credentials persisted in auth metadata, the same way the Gemini CLI
// itself does.
type GeminiCLIExecutor struct {
	cfg *config.Config
}

func NewGeminiCLIExecutor(cfg *config.Config) *GeminiCLIExecutor {
	return &GeminiCLIExecutor{cfg: cfg}
}

func (e *GeminiCLIExecutor) Identifier() string { return constant.GeminiCLI }

func (e *GeminiCLIExecutor) PrepareRequest(_ *http.Request, _ *coreauth.Auth) error { return nil }

func (e *GeminiCLIExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	tokenSource, baseTokenData, err := prepareGeminiCLITokenSource(ctx, auth)
	if err != nil {
		return agexecutor.Response{}, err
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatGeminiCodeAssist
	basePayload := sdktranslator.TranslateRequest(from, to, req.Model, bytes.Clone(req.Payload), false)
	basePayload = trimCodeAssistEnvelope(basePayload)

	action := "generateContent"
	if req.Metadata != nil {
		if a, _ := req.Metadata["action"].(string); a == "countTokens" {
			action = "countTokens"
		}
	}

	projectID := strings.TrimSpace(geminiProjectID(auth))
	models := cliPreviewFallbackOrder(req.Model)
	if len(models) == 0 || models[0] != req.Model {
		models = append([]string{req.Model}, models...)
	}

	httpClient := newHTTPClient(ctx, e.cfg, auth, nonStreamTimeout)

	var lastErr statusErr

	for _, attemptModel := range models {
		payload := append([]byte(nil), basePayload...)
		if action == "countTokens" {
			payload = countTokensPayload(payload, attemptModel)
		} else {
			payload = setJSONField(payload, "project", projectID)
			payload = setJSONField(payload, "model", attemptModel)
		}

		tok, errTok := tokenSource.Token()
		if errTok != nil {
			return agexecutor.Response{}, errTok
		}
		updateGeminiCLITokenMetadata(auth, baseTokenData, tok)

		url := fmt.Sprintf("%s/%s:%s", geminiauth.CodeAssistEndpointProd, geminiauth.CodeAssistAPIVersion, action)
		if opts.Alt != "" && action != "countTokens" {
			url = url + fmt.Sprintf("?$alt=%s", opts.Alt)
		}

		recordAPIRequest(ctx, e.cfg, payload)
		reqHTTP, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if errReq != nil {
			return agexecutor.Response{}, errReq
		}
		reqHTTP.Header.Set("Content-Type", "application/json")
		reqHTTP.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		applyGeminiCLIHeaders(reqHTTP)
		reqHTTP.Header.Set("Accept", "application/json")

		resp, errDo := httpClient.Do(reqHTTP)
		if errDo != nil {
			return agexecutor.Response{}, errDo
		}
		data, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		appendAPIResponseChunk(ctx, e.cfg, data)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if action != "countTokens" {
				reporter.publish(ctx, parseGeminiCLIUsage(data))
			}
			var param any
			out := sdktranslator.TranslateNonStream(ctx, from, to, attemptModel, bytes.Clone(opts.OriginalRequest), payload, data, &param)
			return agexecutor.Response{Payload: []byte(out)}, nil
		}
		log.Debugf("request error, error status: %d, error body: %s", resp.StatusCode, string(data))
		lastErr = newStatusErr(resp, data)
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
	}

	return agexecutor.Response{}, lastErr
}

func (e *GeminiCLIExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (<-chan agexecutor.StreamChunk, error) {
	tokenSource, baseTokenData, err := prepareGeminiCLITokenSource(ctx, auth)
	if err != nil {
		return nil, err
	}
	reporter := newUsageReporter(ctx, e.Identifier(), req.Model, auth)

	from := opts.SourceFormat
	to := sdktranslator.FormatGeminiCodeAssist
	basePayload := sdktranslator.TranslateRequest(from, to, req.Model, bytes.Clone(req.Payload), true)
	basePayload = trimCodeAssistEnvelope(basePayload)

	projectID := strings.TrimSpace(geminiProjectID(auth))

	models := cliPreviewFallbackOrder(req.Model)
	if len(models) == 0 || models[0] != req.Model {
		models = append([]string{req.Model}, models...)
	}

	httpClient := newHTTPClient(ctx, e.cfg, auth, streamTimeout)

	var lastErr statusErr

	for _, attemptModel := range models {
		payload := append([]byte(nil), basePayload...)
		payload = setJSONField(payload, "project", projectID)
		payload = setJSONField(payload, "model", attemptModel)

		tok, errTok := tokenSource.Token()
		if errTok != nil {
			return nil, errTok
		}
		updateGeminiCLITokenMetadata(auth, baseTokenData, tok)

		url := fmt.Sprintf("%s/%s:%s", geminiauth.CodeAssistEndpointProd, geminiauth.CodeAssistAPIVersion, "streamGenerateContent")
		if opts.Alt == "" {
			url = url + "?alt=sse"
		} else {
			url = url + fmt.Sprintf("?$alt=%s", opts.Alt)
		}

		recordAPIRequest(ctx, e.cfg, payload)
		reqHTTP, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if errReq != nil {
			return nil, errReq
		}
		reqHTTP.Header.Set("Content-Type", "application/json")
		reqHTTP.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		applyGeminiCLIHeaders(reqHTTP)
		reqHTTP.Header.Set("Accept", "text/event-stream")

		resp, errDo := httpClient.Do(reqHTTP)
		if errDo != nil {
			return nil, errDo
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			appendAPIResponseChunk(ctx, e.cfg, data)
			log.Debugf("request error, error status: %d, error body: %s", resp.StatusCode, string(data))
			lastErr = newStatusErr(resp, data)
			if resp.StatusCode == http.StatusTooManyRequests {
				continue
			}
			return nil, lastErr
		}

		out := make(chan agexecutor.StreamChunk)
		go func(resp *http.Response, reqBody []byte, attempt string) {
			defer close(out)
			defer func() { _ = resp.Body.Close() }()
			if opts.Alt == "" {
				scanner := bufio.NewScanner(resp.Body)
				buf := make([]byte, 1024*1024)
				scanner.Buffer(buf, 1024*1024)
				var param any
				for scanner.Scan() {
					line := scanner.Bytes()
					appendAPIResponseChunk(ctx, e.cfg, line)
					if bytes.HasPrefix(line, dataTag) {
						if detail, ok := parseGeminiCLIStreamUsage(line); ok {
							reporter.publish(ctx, detail)
						}
						segments := sdktranslator.TranslateStream(ctx, from, to, attempt, bytes.Clone(opts.OriginalRequest), reqBody, bytes.Clone(line), &param)
						for i := range segments {
							out <- agexecutor.StreamChunk{Payload: []byte(segments[i])}
						}
					}
				}

				segments := sdktranslator.TranslateStream(ctx, from, to, attempt, bytes.Clone(opts.OriginalRequest), reqBody, bytes.Clone([]byte("[DONE]")), &param)
				for i := range segments {
					out <- agexecutor.StreamChunk{Payload: []byte(segments[i])}
				}
				if errScan := scanner.Err(); errScan != nil {
					out <- agexecutor.StreamChunk{Err: errScan}
				}
				return
			}

			data, errRead := io.ReadAll(resp.Body)
			if errRead != nil {
				out <- agexecutor.StreamChunk{Err: errRead}
				return
			}
			appendAPIResponseChunk(ctx, e.cfg, data)
			var param any
			segments := sdktranslator.TranslateStream(ctx, from, to, attempt, bytes.Clone(opts.OriginalRequest), reqBody, data, &param)
			for i := range segments {
				out <- agexecutor.StreamChunk{Payload: []byte(segments[i])}
			}

			segments = sdktranslator.TranslateStream(ctx, from, to, attempt, bytes.Clone(opts.OriginalRequest), reqBody, bytes.Clone([]byte("[DONE]")), &param)
			for i := range segments {
				out <- agexecutor.StreamChunk{Payload: []byte(segments[i])}
			}
		}(resp, append([]byte(nil), payload...), attemptModel)

		return out, nil
	}

	if lastErr.code == 0 {
		lastErr.code = http.StatusTooManyRequests
	}
	return nil, lastErr
}

func (e *GeminiCLIExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	if req.Metadata == nil {
		req.Metadata = make(map[string]any)
	}
	req.Metadata["action"] = "countTokens"
	return e.Execute(ctx, auth, req, opts)
}

func (e *GeminiCLIExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	log.Debugf("gemini cli executor: refresh called")
	if auth == nil {
		return nil, statusErr{code: 500, msg: "gemini cli executor: auth is nil"}
	}
	refreshToken := authMetadata(auth, "refresh_token")
	if refreshToken == "" {
		return auth, nil
	}
	svc := geminiauth.NewGeminiAuth(e.cfg)
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
	auth.Metadata["type"] = constant.GeminiCLI
	auth.Metadata["last_refresh"] = time.Now().Format(time.RFC3339)

	// Keep the nested oauth2 token map aligned so the token source does not
	// re-refresh on the next request.
	tok := &oauth2.Token{
		AccessToken:  td.AccessToken,
		RefreshToken: td.RefreshToken,
		TokenType:    "Bearer",
	}
	if td.Expire != "" {
		if ts, errParse := time.Parse(time.RFC3339, td.Expire); errParse == nil {
			tok.Expiry = ts
		}
	}
	var base map[string]any
	if tokenRaw, ok := auth.Metadata["token"].(map[string]any); ok {
		base = tokenRaw
	}
	updateGeminiCLITokenMetadata(auth, base, tok)
	return auth, nil
}

// geminiProjectID resolves the GCP project backing the account, preferring
// the attribute written at login time.
func geminiProjectID(auth *coreauth.Auth) string {
	if auth == nil {
		return ""
	}
	if v := authAttribute(auth, "project_id"); v != "" {
		return v
	}
	return authMetadata(auth, "project_id")
}

// trimCodeAssistEnvelope drops the agent-session fields the Gemini CLI
// upstream does not accept, leaving {project, model, request}.
func trimCodeAssistEnvelope(payload []byte) []byte {
	payload = deleteJSONField(payload, "userAgent")
	payload = deleteJSONField(payload, "requestType")
	payload = deleteJSONField(payload, "requestId")
	payload = deleteJSONField(payload, "sessionId")
	return payload
}

// countTokensPayload rebuilds the generate envelope into the countTokens
// shape: the inner request only, with the fully-qualified model name inside.
func countTokensPayload(envelope []byte, model string) []byte {
	request := gjson.GetBytes(envelope, "request").Raw
	if request == "" {
		request = "{}"
	}
	body, err := sjson.SetRawBytes([]byte(`{"request":{}}`), "request", []byte(request))
	if err != nil {
		return envelope
	}
	body, _ = sjson.SetBytes(body, "request.model", "models/"+model)
	return body
}

func prepareGeminiCLITokenSource(ctx context.Context, auth *coreauth.Auth) (oauth2.TokenSource, map[string]any, error) {
	if auth == nil || auth.Metadata == nil {
		return nil, nil, fmt.Errorf("gemini cli auth metadata missing")
	}

	var base map[string]any
	if tokenRaw, ok := auth.Metadata["token"].(map[string]any); ok && tokenRaw != nil {
		base = cloneMap(tokenRaw)
	} else {
		base = make(map[string]any)
	}

	var token oauth2.Token
	if len(base) > 0 {
		if raw, err := json.Marshal(base); err == nil {
			_ = json.Unmarshal(raw, &token)
		}
	}

	if token.AccessToken == "" {
		token.AccessToken = stringValue(auth.Metadata, "access_token")
	}
	if token.RefreshToken == "" {
		token.RefreshToken = stringValue(auth.Metadata, "refresh_token")
	}
	if token.TokenType == "" {
		token.TokenType = stringValue(auth.Metadata, "token_type")
	}
	if token.Expiry.IsZero() {
		if expiry := stringValue(auth.Metadata, "expiry"); expiry != "" {
			if ts, err := time.Parse(time.RFC3339, expiry); err == nil {
				token.Expiry = ts
			}
		}
	}

	conf := &oauth2.Config{
		ClientID:     geminiauth.OAuthClientID,
		ClientSecret: geminiauth.OAuthClientSecret,
		Scopes:       geminiauth.OAuthScopes,
		Endpoint:     google.Endpoint,
	}

	ctxToken := ctx
	if rt := coreauth.RoundTripperFromContext(ctx); rt != nil {
		ctxToken = context.WithValue(ctxToken, oauth2.HTTPClient, &http.Client{Transport: rt})
	}

	src := conf.TokenSource(ctxToken, &token)
	currentToken, err := src.Token()
	if err != nil {
		return nil, nil, err
	}
	updateGeminiCLITokenMetadata(auth, base, currentToken)
	return oauth2.ReuseTokenSource(currentToken, src), base, nil
}

func updateGeminiCLITokenMetadata(auth *coreauth.Auth, base map[string]any, tok *oauth2.Token) {
	if auth == nil || auth.Metadata == nil || tok == nil {
		return
	}
	if tok.AccessToken != "" {
		auth.Metadata["access_token"] = tok.AccessToken
	}
	if tok.TokenType != "" {
		auth.Metadata["token_type"] = tok.TokenType
	}
	if tok.RefreshToken != "" {
		auth.Metadata["refresh_token"] = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		auth.Metadata["expiry"] = tok.Expiry.Format(time.RFC3339)
	}

	merged := cloneMap(base)
	if merged == nil {
		merged = make(map[string]any)
	}
	if raw, err := json.Marshal(tok); err == nil {
		var tokenMap map[string]any
		if err = json.Unmarshal(raw, &tokenMap); err == nil {
			for k, v := range tokenMap {
				merged[k] = v
			}
		}
	}

	auth.Metadata["token"] = merged
}

// applyGeminiCLIHeaders sets required headers for the Gemini CLI upstream.
func applyGeminiCLIHeaders(r *http.Request) {
	r.Header.Set("User-Agent", "google-api-nodejs-client/9.15.1")
	r.Header.Set("X-Goog-Api-Client", "gl-node/22.17.0")
	r.Header.Set("Client-Metadata", geminiCLIClientMetadata())
}

// geminiCLIClientMetadata returns a compact metadata string required by upstream.
func geminiCLIClientMetadata() string {
	// Keep parity with CLI client defaults
	return "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
}

// cliPreviewFallbackOrder returns preview model candidates for a base model.
func cliPreviewFallbackOrder(model string) []string {
	switch model {
	case "gemini-2.5-pro":
		return []string{"gemini-2.5-pro-preview-05-06", "gemini-2.5-pro-preview-06-05"}
	case "gemini-2.5-flash":
		return []string{"gemini-2.5-flash-preview-04-17", "gemini-2.5-flash-preview-05-20"}
	case "gemini-2.5-flash-lite":
		return []string{"gemini-2.5-flash-lite-preview-06-17"}
	default:
		return nil
	}
}
