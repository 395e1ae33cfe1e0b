// Package middleware carries the exchange capture middleware: an
// optional Gin layer that tees each proxied call, together with the
// translated upstream payloads, into per-request log files.
package middleware

import (
	"bytes"
	"io"

	"github.com/agentgate-dev/agentgate/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Gin context keys under which executors deposit the translated upstream
// payloads for the exchange log.
const (
	UpstreamRequestKey  = "UPSTREAM_REQUEST"
	UpstreamResponseKey = "UPSTREAM_RESPONSE"
)

// ExchangeCapture returns a middleware that records each proxied call
// through the given logger. When logging is disabled the handler chain
// runs untouched.
func ExchangeCapture(logger logging.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !logger.IsEnabled() {
			c.Next()
			return
		}

		record, err := snapshotRequest(c)
		if err != nil {
			log.Warnf("exchange capture: read request body: %v", err)
			c.Next()
			return
		}

		capture := newCaptureWriter(c.Writer, logger, record)
		c.Writer = capture

		c.Next()

		if err = capture.finalize(c); err != nil {
			log.Warnf("exchange capture: write log: %v", err)
		}
	}
}

// snapshotRequest copies the inbound call's route, headers and body. The
// body is re-armed on the request so handlers still see it.
func snapshotRequest(c *gin.Context) (*exchangeRecord, error) {
	route := c.Request.URL.Path
	if route == "" {
		route = c.Request.URL.String()
	} else if raw := c.Request.URL.RawQuery; raw != "" {
		route += "?" + raw
	}

	headers := make(map[string][]string, len(c.Request.Header))
	for key, values := range c.Request.Header {
		headers[key] = values
	}

	var body []byte
	if c.Request.Body != nil {
		var err error
		if body, err = io.ReadAll(c.Request.Body); err != nil {
			return nil, err
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	}

	return &exchangeRecord{
		route:   route,
		method:  c.Request.Method,
		headers: headers,
		body:    body,
	}, nil
}
