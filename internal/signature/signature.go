// Package signature caches Gemini thought signatures so multi-turn
// conversations can replay model thoughts without tripping upstream
// signature validation.
package signature

import (
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// SkipValidator is the sentinel accepted by Code Assist on functionCall
// parts whose real signature is unknown. It is never valid on thought
// parts.
const SkipValidator = "skip_thought_signature_validator"

const (
	entryTTL      = 30 * time.Minute
	sweepInterval = 5 * time.Minute
	textKeyPrefix = 100
)

// Cache stores thought signatures keyed by (family, sessionID, textKey).
type Cache struct {
	c *gocache.Cache
}

// NewCache builds a cache with the standard TTL and sweep cadence.
func NewCache() *Cache {
	return &Cache{c: gocache.New(entryTTL, sweepInterval)}
}

var (
	defaultOnce  sync.Once
	defaultCache *Cache
)

// Default returns the process-wide cache shared by the translators.
func Default() *Cache {
	defaultOnce.Do(func() {
		defaultCache = NewCache()
	})
	return defaultCache
}

// Put stores the signature for a thought text within a conversation.
func (c *Cache) Put(family, sessionID, text, sig string) {
	if sig == "" {
		return
	}
	c.c.Set(cacheKey(family, sessionID, text), sig, gocache.DefaultExpiration)
}

// Get returns the cached signature for a thought text, if still live.
func (c *Cache) Get(family, sessionID, text string) (string, bool) {
	v, ok := c.c.Get(cacheKey(family, sessionID, text))
	if !ok {
		return "", false
	}
	sig, ok := v.(string)
	return sig, ok
}

// Flush drops every entry. Used by tests.
func (c *Cache) Flush() { c.c.Flush() }

func cacheKey(family, sessionID, text string) string {
	return family + "|" + sessionID + "|" + TextKey(text)
}

// TextKey condenses a thought text into a stable lookup key: the first
// hundred characters joined with the total length, so long thoughts do not
// bloat the cache while still distinguishing texts with a shared prefix.
func TextKey(text string) string {
	runes := []rune(text)
	prefix := runes
	if len(runes) > textKeyPrefix {
		prefix = runes[:textKeyPrefix]
	}
	return string(prefix) + "::" + strconv.Itoa(len(runes))
}
