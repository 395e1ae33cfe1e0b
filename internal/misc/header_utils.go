package misc

import (
	"net/http"
	"strings"
)

// EnsureHeader fills key on the upstream request headers: a non-blank
// value forwarded by the caller wins, an already-set value is kept, and
// defaultValue is applied last.
func EnsureHeader(target http.Header, source http.Header, key, defaultValue string) {
	if target == nil {
		return
	}
	if source != nil {
		if forwarded := strings.TrimSpace(source.Get(key)); forwarded != "" {
			target.Set(key, forwarded)
			return
		}
	}
	if strings.TrimSpace(target.Get(key)) != "" {
		return
	}
	if fallback := strings.TrimSpace(defaultValue); fallback != "" {
		target.Set(key, fallback)
	}
}
