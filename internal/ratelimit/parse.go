package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultRetryAfter applies when a 429 body carries no parseable delay.
	DefaultRetryAfter = time.Hour
	// MaxRetryAfter caps any parsed delay.
	MaxRetryAfter = 24 * time.Hour
)

// ParseRateLimitBody extracts the reset delay from a Google-style 429 body.
// It walks error.details[] looking for ErrorInfo.metadata.quotaResetDelay
// or RetryInfo.retryDelay, both Go duration strings such as
// "128h12m18.724039275s". Unparseable bodies fall back to one hour. The
// result is not capped here; the registry caps delays when storing them.
func ParseRateLimitBody(body []byte) time.Duration {
	details := gjson.GetBytes(body, "error.details")
	if !details.Exists() {
		// Some providers wrap the error payload in an array.
		details = gjson.GetBytes(body, "0.error.details")
	}
	var parsed time.Duration
	details.ForEach(func(_, detail gjson.Result) bool {
		t := detail.Get("@type").String()
		var raw string
		switch {
		case strings.Contains(t, "ErrorInfo"):
			raw = detail.Get("metadata.quotaResetDelay").String()
		case strings.Contains(t, "RetryInfo"):
			raw = detail.Get("retryDelay").String()
		}
		if raw == "" {
			return true
		}
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			parsed = d
			return false
		}
		return true
	})
	if parsed <= 0 {
		return DefaultRetryAfter
	}
	return parsed
}

// ParseRetryAfterHeaders reads the retry delay from response headers,
// preferring the millisecond-precision variant. Nil means no header was
// present or parseable.
func ParseRetryAfterHeaders(h http.Header) *time.Duration {
	if h == nil {
		return nil
	}
	if raw := strings.TrimSpace(h.Get("Retry-After-Ms")); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			d := capRetryAfter(time.Duration(ms) * time.Millisecond)
			return &d
		}
	}
	if raw := strings.TrimSpace(h.Get("Retry-After")); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			d := capRetryAfter(time.Duration(secs) * time.Second)
			return &d
		}
	}
	return nil
}

func capRetryAfter(d time.Duration) time.Duration {
	if d > MaxRetryAfter {
		return MaxRetryAfter
	}
	return d
}
