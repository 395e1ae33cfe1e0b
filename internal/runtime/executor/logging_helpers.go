package executor

import (
	"bytes"
	"context"

	"github.com/agentgate-dev/agentgate/internal/api/middleware"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/gin-gonic/gin"
)

// recordAPIRequest stores the translated upstream payload in Gin context
// so the exchange capture middleware can include it in the log.
func recordAPIRequest(ctx context.Context, cfg *config.Config, payload []byte) {
	if cfg == nil || !cfg.RequestLog || len(payload) == 0 {
		return
	}
	if ginCtx, ok := ctx.Value("gin").(*gin.Context); ok && ginCtx != nil {
		ginCtx.Set(middleware.UpstreamRequestKey, bytes.Clone(payload))
	}
}

// appendAPIResponseChunk accumulates upstream response frames in Gin
// context for the exchange log.
func appendAPIResponseChunk(ctx context.Context, cfg *config.Config, chunk []byte) {
	if cfg == nil || !cfg.RequestLog {
		return
	}
	data := bytes.TrimSpace(bytes.Clone(chunk))
	if len(data) == 0 {
		return
	}
	if ginCtx, ok := ctx.Value("gin").(*gin.Context); ok && ginCtx != nil {
		if existing, exists := ginCtx.Get(middleware.UpstreamResponseKey); exists {
			if prev, okBytes := existing.([]byte); okBytes {
				prev = append(prev, data...)
				prev = append(prev, []byte("\n\n")...)
				ginCtx.Set(middleware.UpstreamResponseKey, prev)
				return
			}
		}
		ginCtx.Set(middleware.UpstreamResponseKey, data)
	}
}
