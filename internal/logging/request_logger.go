// Package logging holds the process logger setup and the optional
// per-request exchange logs. When request logging is enabled each proxied
// call is written to its own file under the logs directory: the client
// request, the translated upstream payload, and both responses.
package logging

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RequestLogger records proxied exchanges.
type RequestLogger interface {
	// LogRequest writes one buffered exchange: the inbound call, the
	// translated upstream request/response pair, and the final reply.
	LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response, upstreamRequest, upstreamResponse []byte) error

	// LogStreamingRequest opens an exchange log for a streaming call and
	// returns a writer that accepts frames as they are relayed.
	LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error)

	// IsEnabled reports whether exchange logging is currently on.
	IsEnabled() bool
}

// StreamingLogWriter appends relayed stream frames to an exchange log.
type StreamingLogWriter interface {
	// WriteChunkAsync queues a frame without blocking the relay path.
	WriteChunkAsync(chunk []byte)

	// WriteStatus records the response status line and headers once.
	WriteStatus(status int, headers map[string][]string) error

	// Close flushes queued frames and releases the log file.
	Close() error
}

// FileRequestLogger writes one log file per exchange under logsDir.
type FileRequestLogger struct {
	enabled bool
	logsDir string
}

// NewFileRequestLogger builds an exchange logger rooted at logsDir.
func NewFileRequestLogger(enabled bool, logsDir string) *FileRequestLogger {
	return &FileRequestLogger{enabled: enabled, logsDir: logsDir}
}

// SetEnabled toggles exchange logging, used by config hot reload.
func (l *FileRequestLogger) SetEnabled(enabled bool) {
	l.enabled = enabled
}

// IsEnabled reports whether exchange logging is currently on.
func (l *FileRequestLogger) IsEnabled() bool {
	return l.enabled
}

// LogRequest writes one buffered exchange to a fresh file.
func (l *FileRequestLogger) LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response, upstreamRequest, upstreamResponse []byte) error {
	if !l.enabled {
		return nil
	}
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return fmt.Errorf("logging: create logs directory: %w", err)
	}

	decoded, err := decodeBody(responseHeaders, response)
	if err != nil {
		// Keep the raw bytes; a note in the log beats losing the exchange.
		decoded = append(response, []byte(fmt.Sprintf("\n[decode failed: %v]", err))...)
	}

	var b strings.Builder
	writeExchangeHead(&b, url, method, requestHeaders, body)
	writeSection(&b, "upstream request", upstreamRequest)
	writeSection(&b, "upstream response", upstreamResponse)
	b.WriteString(fmt.Sprintf("--- response (status %d) ---\n", statusCode))
	writeHeaders(&b, responseHeaders)
	b.WriteString("\n")
	b.Write(decoded)
	b.WriteString("\n")

	path := filepath.Join(l.logsDir, exchangeFilename(url))
	if err = os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("logging: write exchange log: %w", err)
	}
	return nil
}

// LogStreamingRequest opens an exchange log and hands back a frame writer.
func (l *FileRequestLogger) LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error) {
	if !l.enabled {
		return noopStreamWriter{}, nil
	}
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create logs directory: %w", err)
	}

	file, err := os.Create(filepath.Join(l.logsDir, exchangeFilename(url)))
	if err != nil {
		return nil, fmt.Errorf("logging: create exchange log: %w", err)
	}

	var head strings.Builder
	writeExchangeHead(&head, url, method, headers, body)
	if _, err = file.WriteString(head.String()); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("logging: write exchange head: %w", err)
	}

	w := &fileStreamWriter{
		file:   file,
		frames: make(chan []byte, 100),
		done:   make(chan struct{}),
	}
	go w.drain()
	return w, nil
}

// exchangeFilename derives a per-call log name from the route path.
func exchangeFilename(url string) string {
	route, _, _ := strings.Cut(url, "?")
	route = strings.Trim(route, "/")
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			return r
		default:
			return '-'
		}
	}, route)
	for strings.Contains(mapped, "--") {
		mapped = strings.ReplaceAll(mapped, "--", "-")
	}
	mapped = strings.Trim(mapped, "-")
	if mapped == "" {
		mapped = "root"
	}
	return fmt.Sprintf("%s-%d.log", mapped, time.Now().UnixNano())
}

func writeExchangeHead(b *strings.Builder, url, method string, headers map[string][]string, body []byte) {
	b.WriteString(fmt.Sprintf("--- %s %s at %s ---\n", method, url, time.Now().Format(time.RFC3339Nano)))
	writeHeaders(b, headers)
	b.WriteString("\n")
	b.Write(body)
	b.WriteString("\n\n")
}

func writeSection(b *strings.Builder, name string, payload []byte) {
	b.WriteString("--- " + name + " ---\n")
	b.Write(payload)
	b.WriteString("\n\n")
}

// writeHeaders emits headers sorted by name so logs diff cleanly.
func writeHeaders(b *strings.Builder, headers map[string][]string) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range headers[key] {
			b.WriteString(key + ": " + value + "\n")
		}
	}
}

// decodeBody undoes the upstream Content-Encoding so logs stay readable.
func decodeBody(headers map[string][]string, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var encoding string
	for key, values := range headers {
		if strings.EqualFold(key, "Content-Encoding") && len(values) > 0 {
			encoding = strings.ToLower(values[0])
			break
		}
	}
	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer func() { _ = reader.Close() }()
		return io.ReadAll(reader)
	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer func() { _ = reader.Close() }()
		return io.ReadAll(reader)
	default:
		return body, nil
	}
}

// fileStreamWriter appends frames to the exchange log from a drain
// goroutine so the relay path never waits on disk.
type fileStreamWriter struct {
	file          *os.File
	frames        chan []byte
	done          chan struct{}
	statusWritten bool
}

// WriteChunkAsync queues one frame; full queues drop rather than block.
func (w *fileStreamWriter) WriteChunkAsync(chunk []byte) {
	if w.frames == nil {
		return
	}
	select {
	case w.frames <- append([]byte(nil), chunk...):
	default:
	}
}

// WriteStatus records the response status and headers once per exchange.
func (w *fileStreamWriter) WriteStatus(status int, headers map[string][]string) error {
	if w.file == nil || w.statusWritten {
		return nil
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("--- response (status %d) ---\n", status))
	writeHeaders(&b, headers)
	b.WriteString("\n")
	if _, err := w.file.WriteString(b.String()); err != nil {
		return err
	}
	w.statusWritten = true
	return nil
}

// Close waits for queued frames to land and closes the log file.
func (w *fileStreamWriter) Close() error {
	if w.frames != nil {
		close(w.frames)
		<-w.done
		w.frames = nil
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *fileStreamWriter) drain() {
	defer close(w.done)
	for frame := range w.frames {
		_, _ = w.file.Write(frame)
	}
}

// noopStreamWriter satisfies StreamingLogWriter when logging is off.
type noopStreamWriter struct{}

func (noopStreamWriter) WriteChunkAsync([]byte) {}
func (noopStreamWriter) WriteStatus(int, map[string][]string) error {
	return nil
}
func (noopStreamWriter) Close() error { return nil }
