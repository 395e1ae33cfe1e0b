package util

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentgate-dev/agentgate/internal/config"
	log "github.com/sirupsen/logrus"
)

// SetLogLevel sets the log level based on the debug flag in the configuration.
// When debug mode is enabled, the log level is set to debug, otherwise info.
func SetLogLevel(cfg *config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// InArray checks if the item is an element of the array.
func InArray[T comparable](arr []T, item T) bool {
	for _, v := range arr {
		if v == item {
			return true
		}
	}
	return false
}

// HideAPIKey obscures the middle portion of an API key so it can be logged
// without exposing the full secret. Keys of eight characters or fewer are
// fully masked.
func HideAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
}

// EnsureHeader sets a header value only when the request does not already
// carry one, preserving caller-supplied overrides.
func EnsureHeader(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}

// ResolvePath expands a leading "~" to the user's home directory and returns
// an absolute path. Relative paths are resolved against the working
// directory.
func ResolvePath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Warnf("resolve home directory failed: %v", err)
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, p[2:])
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
