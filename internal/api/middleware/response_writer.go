package middleware

import (
	"bytes"
	"strings"

	"github.com/agentgate-dev/agentgate/internal/logging"
	"github.com/gin-gonic/gin"
)

// exchangeRecord is the inbound half of one proxied call.
type exchangeRecord struct {
	route   string
	method  string
	headers map[string][]string
	body    []byte
}

// captureWriter tees response bytes into the exchange log. The client
// write always happens first; logging never delays or fails the reply.
type captureWriter struct {
	gin.ResponseWriter
	logger logging.RequestLogger
	record *exchangeRecord

	buffered  *bytes.Buffer
	streaming bool
	stream    logging.StreamingLogWriter
	frames    chan []byte
	status    int
	headers   map[string][]string
}

func newCaptureWriter(w gin.ResponseWriter, logger logging.RequestLogger, record *exchangeRecord) *captureWriter {
	return &captureWriter{
		ResponseWriter: w,
		logger:         logger,
		record:         record,
		buffered:       &bytes.Buffer{},
		headers:        make(map[string][]string),
	}
}

// Write relays to the client, then captures. Streaming frames go through
// a bounded queue that drops under pressure instead of blocking.
func (w *captureWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)

	if w.streaming {
		if w.frames != nil {
			select {
			case w.frames <- append([]byte(nil), data...):
			default:
			}
		}
	} else {
		w.buffered.Write(data)
	}

	return n, err
}

// WriteHeader snapshots the status and headers and, for event streams,
// switches the capture into frame mode.
func (w *captureWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	for key, values := range w.ResponseWriter.Header() {
		w.headers[key] = values
	}

	w.streaming = w.isEventStream(w.ResponseWriter.Header().Get("Content-Type"))
	if w.streaming && w.logger.IsEnabled() {
		stream, err := w.logger.LogStreamingRequest(w.record.route, w.record.method, w.record.headers, w.record.body)
		if err == nil {
			w.stream = stream
			w.frames = make(chan []byte, 100)
			go w.relayFrames()
			_ = stream.WriteStatus(statusCode, w.headers)
		}
	}

	w.ResponseWriter.WriteHeader(statusCode)
}

// isEventStream detects streaming replies from the Content-Type, falling
// back to the caller's stream flag for handlers that set it late.
func (w *captureWriter) isEventStream(contentType string) bool {
	if strings.Contains(contentType, "text/event-stream") {
		return true
	}
	if len(w.record.body) > 0 {
		body := string(w.record.body)
		return strings.Contains(body, `"stream": true`) || strings.Contains(body, `"stream":true`)
	}
	return false
}

func (w *captureWriter) relayFrames() {
	for frame := range w.frames {
		w.stream.WriteChunkAsync(frame)
	}
}

// finalize writes the buffered exchange, or closes the stream log.
func (w *captureWriter) finalize(c *gin.Context) error {
	if !w.logger.IsEnabled() {
		return nil
	}

	if w.streaming {
		if w.frames != nil {
			close(w.frames)
			w.frames = nil
		}
		if w.stream != nil {
			return w.stream.Close()
		}
		return nil
	}

	status := w.status
	if status == 0 {
		status = w.ResponseWriter.Status()
	}

	headers := make(map[string][]string)
	for key, values := range w.ResponseWriter.Header() {
		headers[key] = values
	}
	for key, values := range w.headers {
		headers[key] = values
	}

	return w.logger.LogRequest(
		w.record.route,
		w.record.method,
		w.record.headers,
		w.record.body,
		status,
		headers,
		w.buffered.Bytes(),
		contextBytes(c, UpstreamRequestKey),
		contextBytes(c, UpstreamResponseKey),
	)
}

// contextBytes reads a []byte deposited in the Gin context, if any.
func contextBytes(c *gin.Context, key string) []byte {
	value, ok := c.Get(key)
	if !ok {
		return nil
	}
	data, _ := value.([]byte)
	return data
}

// Status reports the captured status, defaulting to 200 before the first
// WriteHeader.
func (w *captureWriter) Status() int {
	if w.status == 0 {
		return 200
	}
	return w.status
}

// Size reports the buffered body length; streams report unknown.
func (w *captureWriter) Size() int {
	if w.streaming {
		return -1
	}
	return w.buffered.Len()
}

// Written reports whether a status has been sent.
func (w *captureWriter) Written() bool {
	return w.status != 0
}
