package signature

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	c := NewCache()
	c.Put("gemini-3", "session-1", "let me think about this", "sig-abc")

	sig, ok := c.Get("gemini-3", "session-1", "let me think about this")
	require.True(t, ok)
	require.Equal(t, "sig-abc", sig)

	// Different session or family never shares signatures.
	_, ok = c.Get("gemini-3", "session-2", "let me think about this")
	require.False(t, ok)
	_, ok = c.Get("gemini-2.5", "session-1", "let me think about this")
	require.False(t, ok)
}

func TestCacheIgnoresEmptySignature(t *testing.T) {
	c := NewCache()
	c.Put("gemini-3", "session-1", "thought", "")
	_, ok := c.Get("gemini-3", "session-1", "thought")
	require.False(t, ok)
}

func TestCacheFlush(t *testing.T) {
	c := NewCache()
	c.Put("gemini-3", "session-1", "thought", "sig")
	c.Flush()
	_, ok := c.Get("gemini-3", "session-1", "thought")
	require.False(t, ok)
}

func TestTextKeyDistinguishesSharedPrefixes(t *testing.T) {
	long := strings.Repeat("a", 200)
	longer := strings.Repeat("a", 300)
	require.NotEqual(t, TextKey(long), TextKey(longer))

	// Identical texts map to the same key regardless of length.
	require.Equal(t, TextKey(long), TextKey(strings.Repeat("a", 200)))

	// Short texts keep their full content.
	require.Equal(t, "hi::2", TextKey("hi"))
}

func TestTextKeyHandlesMultibyte(t *testing.T) {
	text := strings.Repeat("思", 150)
	key := TextKey(text)
	require.Equal(t, strings.Repeat("思", 100)+"::150", key)
}
