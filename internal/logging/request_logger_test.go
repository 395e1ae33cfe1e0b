package logging

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExchangeFilenameSanitizesRoute(t *testing.T) {
	name := exchangeFilename("/v1/chat/completions?stream=true")
	require.True(t, strings.HasPrefix(name, "v1-chat-completions-"), name)
	require.True(t, strings.HasSuffix(name, ".log"))
	require.NotContains(t, name, "/")
	require.NotContains(t, name, "?")

	require.True(t, strings.HasPrefix(exchangeFilename("///"), "root-"))
}

func TestLogRequestWritesExchangeSections(t *testing.T) {
	dir := t.TempDir()
	logger := NewFileRequestLogger(true, dir)

	err := logger.LogRequest(
		"/v1/chat/completions", "POST",
		map[string][]string{"Content-Type": {"application/json"}},
		[]byte(`{"model":"m"}`),
		200,
		map[string][]string{"Content-Type": {"application/json"}},
		[]byte(`{"choices":[]}`),
		[]byte(`{"contents":[]}`),
		[]byte(`{"candidates":[]}`),
	)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	text := string(content)
	require.Contains(t, text, "POST /v1/chat/completions")
	require.Contains(t, text, "--- upstream request ---\n{\"contents\":[]}")
	require.Contains(t, text, "--- upstream response ---\n{\"candidates\":[]}")
	require.Contains(t, text, "--- response (status 200) ---")
	require.Contains(t, text, `{"choices":[]}`)
}

func TestLogRequestDecodesGzipResponse(t *testing.T) {
	dir := t.TempDir()
	logger := NewFileRequestLogger(true, dir)

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write([]byte(`{"ok":true}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	err = logger.LogRequest(
		"/v1/models", "GET", nil, nil,
		200,
		map[string][]string{"Content-Encoding": {"gzip"}},
		compressed.Bytes(), nil, nil,
	)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(content), `{"ok":true}`)
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	logger := NewFileRequestLogger(false, dir)
	require.False(t, logger.IsEnabled())

	require.NoError(t, logger.LogRequest("/v1/models", "GET", nil, nil, 200, nil, nil, nil, nil))

	w, err := logger.LogStreamingRequest("/v1/chat/completions", "POST", nil, nil)
	require.NoError(t, err)
	w.WriteChunkAsync([]byte("data: {}"))
	require.NoError(t, w.WriteStatus(200, nil))
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStreamingWriterFlushesFramesOnClose(t *testing.T) {
	dir := t.TempDir()
	logger := NewFileRequestLogger(true, dir)

	w, err := logger.LogStreamingRequest("/v1/chat/completions", "POST", nil, []byte(`{"stream":true}`))
	require.NoError(t, err)
	require.NoError(t, w.WriteStatus(200, map[string][]string{"Content-Type": {"text/event-stream"}}))
	w.WriteChunkAsync([]byte("data: one\n"))
	w.WriteChunkAsync([]byte("data: two\n"))
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	text := string(content)
	require.Contains(t, text, "--- response (status 200) ---")
	require.Contains(t, text, "data: one")
	require.Contains(t, text, "data: two")
}
