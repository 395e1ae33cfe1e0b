// Package executor implements the provider executors that deliver translated
// requests to upstream model endpoints. One file per provider; the shared
// HTTP client construction, upstream status error and JSON field helpers
// live here.
package executor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/ratelimit"
	"github.com/agentgate-dev/agentgate/internal/util"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	"github.com/tidwall/sjson"
)

var dataTag = []byte("data:")

const (
	// nonStreamTimeout bounds a buffered upstream call end to end.
	nonStreamTimeout = 60 * time.Second
	// streamTimeout bounds a streaming upstream call end to end.
	streamTimeout = 10 * time.Minute
	// dialTimeout bounds connection establishment to the upstream host.
	dialTimeout = 10 * time.Second
)

// statusErr carries an upstream HTTP status across the executor boundary so
// the auth manager can classify the failure and schedule cooldowns.
type statusErr struct {
	code       int
	msg        string
	retryAfter *time.Duration
}

func (e statusErr) Error() string { return e.msg }

// StatusCode returns the upstream HTTP status code.
func (e statusErr) StatusCode() int { return e.code }

// RetryAfter returns the upstream-provided cooldown when one was parsed.
func (e statusErr) RetryAfter() *time.Duration { return e.retryAfter }

// newStatusErr builds a statusErr from a non-2xx upstream response. On 429
// the retry delay comes from Retry-After headers first, then from the
// Google-style error body.
func newStatusErr(resp *http.Response, body []byte) statusErr {
	se := statusErr{code: resp.StatusCode, msg: string(body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		if d := ratelimit.ParseRetryAfterHeaders(resp.Header); d != nil {
			se.retryAfter = d
		} else {
			delay := ratelimit.ParseRateLimitBody(body)
			se.retryAfter = &delay
		}
	}
	return se
}

// newHTTPClient builds the client for one upstream call. Transport selection
// order: the per-auth round tripper installed by the manager, the auth's own
// proxy, the global proxy, then a direct transport with a bounded dial.
func newHTTPClient(ctx context.Context, cfg *config.Config, auth *coreauth.Auth, timeout time.Duration) *http.Client {
	client := &http.Client{}
	if timeout > 0 {
		client.Timeout = timeout
	}
	if rt := coreauth.RoundTripperFromContext(ctx); rt != nil {
		client.Transport = rt
		return client
	}
	proxyAddr := ""
	if auth != nil {
		proxyAddr = auth.ProxyURL
	}
	if proxyAddr == "" && cfg != nil {
		proxyAddr = cfg.ProxyURL
	}
	if transport := util.TransportForProxy(proxyAddr); transport != nil {
		client.Transport = transport
		return client
	}
	client.Transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return client
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func stringValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		switch typed := v.(type) {
		case string:
			return typed
		case fmt.Stringer:
			return typed.String()
		}
	}
	return ""
}

// authAttribute reads an attribute from the auth record, tolerating nil maps.
func authAttribute(a *coreauth.Auth, key string) string {
	if a == nil || a.Attributes == nil {
		return ""
	}
	return a.Attributes[key]
}

// authMetadata reads a string metadata value from the auth record.
func authMetadata(a *coreauth.Auth, key string) string {
	if a == nil {
		return ""
	}
	return stringValue(a.Metadata, key)
}

// setJSONField sets a top-level JSON field on a byte slice payload via sjson.
func setJSONField(body []byte, key, value string) []byte {
	if key == "" {
		return body
	}
	updated, err := sjson.SetBytes(body, key, value)
	if err != nil {
		return body
	}
	return updated
}

// deleteJSONField removes a top-level key if present (best-effort) via sjson.
func deleteJSONField(body []byte, key string) []byte {
	if key == "" || len(body) == 0 {
		return body
	}
	updated, err := sjson.DeleteBytes(body, key)
	if err != nil {
		return body
	}
	return updated
}
