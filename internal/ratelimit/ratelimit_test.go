package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseRateLimitBodyQuotaResetDelay(t *testing.T) {
	body := []byte(`{"error":{"details":[{"@type":"ErrorInfo","metadata":{"quotaResetDelay":"128h12m18.724039275s"}}]}}`)
	d := ParseRateLimitBody(body)
	require.Equal(t, int64(461538724), d.Milliseconds())
}

func TestParseRateLimitBodyRetryInfo(t *testing.T) {
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"37s"}]}}`)
	require.Equal(t, 37*time.Second, ParseRateLimitBody(body))
}

func TestParseRateLimitBodyArrayWrapped(t *testing.T) {
	body := []byte(`[{"error":{"details":[{"@type":"ErrorInfo","metadata":{"quotaResetDelay":"90s"}}]}}]`)
	require.Equal(t, 90*time.Second, ParseRateLimitBody(body))
}

func TestParseRateLimitBodyFallback(t *testing.T) {
	require.Equal(t, DefaultRetryAfter, ParseRateLimitBody([]byte(`{"error":{"message":"too many requests"}}`)))
	require.Equal(t, DefaultRetryAfter, ParseRateLimitBody([]byte(`not json`)))
	require.Equal(t, DefaultRetryAfter, ParseRateLimitBody(nil))
}

func TestParseRetryAfterHeadersPrefersMilliseconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After-Ms", "1500")
	h.Set("Retry-After", "30")
	d := ParseRetryAfterHeaders(h)
	require.NotNil(t, d)
	require.Equal(t, 1500*time.Millisecond, *d)
}

func TestParseRetryAfterHeadersSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	d := ParseRetryAfterHeaders(h)
	require.NotNil(t, d)
	require.Equal(t, 30*time.Second, *d)
}

func TestParseRetryAfterHeadersCapsAtOneDay(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "172800")
	d := ParseRetryAfterHeaders(h)
	require.NotNil(t, d)
	require.Equal(t, MaxRetryAfter, *d)
}

func TestParseRetryAfterHeadersAbsent(t *testing.T) {
	require.Nil(t, ParseRetryAfterHeaders(http.Header{}))
	require.Nil(t, ParseRetryAfterHeaders(nil))

	h := http.Header{}
	h.Set("Retry-After", "garbage")
	require.Nil(t, ParseRetryAfterHeaders(h))
}

func TestRegistryMarkAndExpire(t *testing.T) {
	r := NewRegistry()

	limited, _ := r.IsRateLimited("acct", "claude")
	require.False(t, limited)

	r.MarkRateLimited("acct", "claude", time.Minute, "claude-sonnet-4-5", "quota exceeded")
	limited, wait := r.IsRateLimited("acct", "claude")
	require.True(t, limited)
	require.Greater(t, wait, 50*time.Second)

	// Other families on the same account are unaffected.
	limited, _ = r.IsRateLimited("acct", "gemini-pro")
	require.False(t, limited)

	// Expired entries are evicted on read.
	r.MarkRateLimited("acct2", "claude", time.Nanosecond, "", "")
	time.Sleep(2 * time.Millisecond)
	limited, _ = r.IsRateLimited("acct2", "claude")
	require.False(t, limited)
}

func TestRegistryCapsStoredDelay(t *testing.T) {
	r := NewRegistry()
	r.MarkRateLimited("acct", "claude", 128*time.Hour, "", "")
	_, wait := r.IsRateLimited("acct", "claude")
	require.LessOrEqual(t, wait, MaxRetryAfter)
	require.Greater(t, wait, MaxRetryAfter-time.Minute)
}

func TestMinWaitTime(t *testing.T) {
	r := NewRegistry()
	r.MarkRateLimited("a", "claude", 10*time.Minute, "", "")
	r.MarkRateLimited("b", "claude", 2*time.Minute, "", "")

	// Any unlimited account short-circuits to zero.
	require.Equal(t, time.Duration(0), r.MinWaitTime([]string{"a", "b", "c"}, "claude"))

	wait := r.MinWaitTime([]string{"a", "b"}, "claude")
	require.Greater(t, wait, time.Minute)
	require.LessOrEqual(t, wait, 2*time.Minute)

	require.Equal(t, time.Duration(0), r.MinWaitTime(nil, "claude"))
}

func TestFamilyMapping(t *testing.T) {
	cases := map[string]string{
		"claude-sonnet-4-5":        "claude",
		"claude-opus-4-5-thinking": "claude",
		"gemini-3-flash":           "gemini-flash",
		"gemini-2.5-flash-lite":    "gemini-flash",
		"gemini-3-pro":             "gemini-pro",
		"google/gemini-2.5-pro":    "gemini-pro",
		"qwen3-coder-plus":         "qwen3-coder-plus",
		"GPT-5":                    "gpt-5",
	}
	for model, family := range cases {
		require.Equal(t, family, Family(model), model)
	}
}
