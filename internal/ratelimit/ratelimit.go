// Package ratelimit tracks upstream quota exhaustion per account and model
// family so the dispatcher can route around cooling-down credentials.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Entry records one active rate limit window.
type Entry struct {
	// ResetTime is when the account becomes usable again for the family.
	ResetTime time.Time
	// Model optionally names the model that triggered the limit.
	Model string
	// Message optionally carries the upstream error text.
	Message string
}

// Registry maps (accountID, family) to the active rate limit window.
// Entries are evicted lazily when read after their reset time.
type Registry struct {
	mu      sync.Mutex
	entries map[string]map[string]Entry
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]map[string]Entry)}
}

// MarkRateLimited records that accountID may not serve the family until
// retryAfter has elapsed. Delays are capped at MaxRetryAfter.
func (r *Registry) MarkRateLimited(accountID, family string, retryAfter time.Duration, model, message string) {
	if accountID == "" || family == "" || retryAfter <= 0 {
		return
	}
	retryAfter = capRetryAfter(retryAfter)
	r.mu.Lock()
	defer r.mu.Unlock()
	byFamily, ok := r.entries[accountID]
	if !ok {
		byFamily = make(map[string]Entry)
		r.entries[accountID] = byFamily
	}
	byFamily[family] = Entry{
		ResetTime: time.Now().Add(retryAfter),
		Model:     model,
		Message:   message,
	}
}

// IsRateLimited reports whether accountID is cooling down for the family.
// Expired entries are removed on read.
func (r *Registry) IsRateLimited(accountID, family string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byFamily, ok := r.entries[accountID]
	if !ok {
		return false, 0
	}
	entry, ok := byFamily[family]
	if !ok {
		return false, 0
	}
	remaining := time.Until(entry.ResetTime)
	if remaining <= 0 {
		delete(byFamily, family)
		if len(byFamily) == 0 {
			delete(r.entries, accountID)
		}
		return false, 0
	}
	return true, remaining
}

// MinWaitTime reports the shortest wait across the accounts for the family.
// Zero means at least one account is usable right now.
func (r *Registry) MinWaitTime(accountIDs []string, family string) time.Duration {
	var min time.Duration
	found := false
	for _, id := range accountIDs {
		limited, remaining := r.IsRateLimited(id, family)
		if !limited {
			return 0
		}
		if !found || remaining < min {
			min = remaining
			found = true
		}
	}
	if !found {
		return 0
	}
	return min
}

// Family groups models that share upstream quota pools. Claude models pool
// together, Gemini splits into flash and pro pools, everything else is
// limited per model.
func Family(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "claude"):
		return "claude"
	case strings.Contains(m, "flash"):
		return "gemini-flash"
	case strings.Contains(m, "gemini"):
		return "gemini-pro"
	default:
		return m
	}
}
