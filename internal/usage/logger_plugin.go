package usage

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"
)

func init() {
	RegisterPlugin(NewLoggerPlugin())
}

// LoggerPlugin outputs every usage record to the application log at debug
// level so operators can trace token consumption per auth without running a
// separate metrics stack.
type LoggerPlugin struct{}

// NewLoggerPlugin constructs a new logger plugin instance.
func NewLoggerPlugin() *LoggerPlugin { return &LoggerPlugin{} }

// HandleUsage implements Plugin.
func (p *LoggerPlugin) HandleUsage(_ context.Context, record Record) {
	data, _ := json.Marshal(record)
	log.Debug(string(data))
}
