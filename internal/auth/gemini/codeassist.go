package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Code Assist API hosts. Each call kind walks its own candidate list.
const (
	CodeAssistEndpointProd     = "https://cloudcode-pa.googleapis.com"
	CodeAssistEndpointDaily    = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	CodeAssistEndpointAutopush = "https://autopush-cloudcode-pa.sandbox.googleapis.com"

	// CodeAssistAPIVersion is the version segment of every Code Assist call.
	CodeAssistAPIVersion = "v1internal"
)

// EndpointOrders fixes which hosts are tried, and in which order, for each
// kind of Code Assist call.
type EndpointOrders struct {
	// Generate is walked by generateContent/streamGenerateContent calls.
	Generate []string
	// Discovery is walked by loadCodeAssist.
	Discovery []string
	// Onboard is walked by onboardUser.
	Onboard []string
}

// GeminiEndpointOrders pins every call to the production host, matching the
// Gemini CLI itself.
func GeminiEndpointOrders() EndpointOrders {
	return EndpointOrders{
		Generate:  []string{CodeAssistEndpointProd},
		Discovery: []string{CodeAssistEndpointProd},
		Onboard:   []string{CodeAssistEndpointProd},
	}
}

// AntigravityEndpointOrders mirrors the Antigravity client's host rotation:
// generate prefers the daily sandbox, discovery prefers production and
// onboarding prefers daily.
func AntigravityEndpointOrders() EndpointOrders {
	return EndpointOrders{
		Generate:  []string{CodeAssistEndpointDaily, CodeAssistEndpointAutopush, CodeAssistEndpointProd},
		Discovery: []string{CodeAssistEndpointProd, CodeAssistEndpointDaily},
		Onboard:   []string{CodeAssistEndpointDaily, CodeAssistEndpointProd},
	}
}

// ClientMetadata identifies the calling IDE and plugin to Code Assist.
func ClientMetadata() map[string]string {
	return map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
}

// CodeAssistClient issues the discovery and onboarding calls that attach a
// Google account to a cloudaicompanion project.
type CodeAssistClient struct {
	httpClient  *http.Client
	accessToken string
	userAgent   string
	endpoints   EndpointOrders
}

// NewCodeAssistClient builds a client bound to one access token. userAgent
// distinguishes the Gemini CLI from the Antigravity agent upstream.
func NewCodeAssistClient(httpClient *http.Client, accessToken, userAgent string, endpoints EndpointOrders) *CodeAssistClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &CodeAssistClient{
		httpClient:  httpClient,
		accessToken: accessToken,
		userAgent:   userAgent,
		endpoints:   endpoints,
	}
}

// LoadCodeAssist fetches the account's Code Assist state: allowed tiers,
// current tier and, for managed accounts, the backing project.
func (c *CodeAssistClient) LoadCodeAssist(ctx context.Context, projectID string) (map[string]any, error) {
	body := map[string]any{
		"metadata": ClientMetadata(),
	}
	if projectID != "" {
		body["cloudaicompanionProject"] = projectID
	}

	var resp map[string]any
	if err := c.call(ctx, c.endpoints.Discovery, "loadCodeAssist", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to load code assist: %w", err)
	}
	return resp, nil
}

// OnboardUser starts (or polls) the long-running onboarding operation for
// the given tier and project.
func (c *CodeAssistClient) OnboardUser(ctx context.Context, tierID, projectID string) (map[string]any, error) {
	body := map[string]any{
		"tierId":   tierID,
		"metadata": ClientMetadata(),
	}
	if projectID != "" {
		body["cloudaicompanionProject"] = projectID
	}

	var resp map[string]any
	if err := c.call(ctx, c.endpoints.Onboard, "onboardUser", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to onboard user: %w", err)
	}
	return resp, nil
}

// SetupUser performs discovery followed by onboarding and returns the
// resolved project id and tier. A non-empty projectID pins the project;
// otherwise the id discovered during onboarding wins.
func (c *CodeAssistClient) SetupUser(ctx context.Context, projectID string) (string, string, error) {
	log.Info("performing user onboarding...")

	loadResp, err := c.LoadCodeAssist(ctx, projectID)
	if err != nil {
		return "", "", err
	}

	tierID := defaultTierID(loadResp)

	onboardProjectID := projectID
	if p, ok := loadResp["cloudaicompanionProject"].(string); ok && p != "" {
		onboardProjectID = p
	}
	if onboardProjectID == "" {
		return "", "", fmt.Errorf("onboarding requires a project id; set gemini-cli-project-id or GEMINI_CLI_PROJECT_ID")
	}

	for {
		lroResp, errOnboard := c.OnboardUser(ctx, tierID, onboardProjectID)
		if errOnboard != nil {
			return "", "", errOnboard
		}

		if done, ok := lroResp["done"].(bool); ok && done {
			resolved := onboardProjectID
			if projectID != "" {
				resolved = projectID
			} else if response, respOk := lroResp["response"].(map[string]any); respOk {
				if project, projOk := response["cloudaicompanionProject"].(map[string]any); projOk {
					if id, idOk := project["id"].(string); idOk && id != "" {
						resolved = id
					}
				}
			}
			log.Infof("onboarding complete, using project id: %s", resolved)
			return resolved, tierID, nil
		}

		log.Info("onboarding in progress, waiting 5 seconds...")
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// defaultTierID picks the default tier advertised by loadCodeAssist,
// falling back to the legacy tier when none is flagged.
func defaultTierID(loadResp map[string]any) string {
	tierID := "legacy-tier"
	if current, ok := loadResp["currentTier"].(map[string]any); ok {
		if id, idOk := current["id"].(string); idOk && id != "" {
			return id
		}
	}
	tiers, ok := loadResp["allowedTiers"].([]any)
	if !ok {
		return tierID
	}
	for _, t := range tiers {
		tier, tierOk := t.(map[string]any)
		if !tierOk {
			continue
		}
		if isDefault, defOk := tier["isDefault"].(bool); defOk && isDefault {
			if id, idOk := tier["id"].(string); idOk && id != "" {
				tierID = id
				break
			}
		}
	}
	return tierID
}

// call posts one Code Assist method, walking the host candidates in order
// and keeping the last failure when every host declines.
func (c *CodeAssistClient) call(ctx context.Context, hosts []string, method string, body, result any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	for _, host := range hosts {
		url := fmt.Sprintf("%s/%s:%s", host, CodeAssistAPIVersion, method)
		req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if errReq != nil {
			lastErr = errReq
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, errDo := c.httpClient.Do(req)
		if errDo != nil {
			lastErr = errDo
			continue
		}

		respBody, errRead := io.ReadAll(resp.Body)
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
		if errRead != nil {
			lastErr = errRead
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("%s request to %s failed with status %d: %s", method, host, resp.StatusCode, string(respBody))
			continue
		}

		if result == nil {
			return nil
		}
		if errDecode := json.Unmarshal(respBody, result); errDecode != nil {
			return fmt.Errorf("failed to decode %s response: %w", method, errDecode)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoint configured for %s", method)
	}
	return lastErr
}
