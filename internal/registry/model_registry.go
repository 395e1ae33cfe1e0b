// Package registry tracks which models the registered accounts can serve.
// Registrations are reference counted per account so a model disappears from
// listings as soon as its last credential is removed, and availability is
// checked against the rate-limit registry so cooling-down accounts do not
// advertise models they cannot serve.
package registry

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentgate-dev/agentgate/internal/constant"
	"github.com/agentgate-dev/agentgate/internal/ratelimit"
)

// ModelInfo describes one advertisable model.
type ModelInfo struct {
	// ID is the model identifier clients send in requests.
	ID string `json:"id"`
	// Object is always "model".
	Object string `json:"object"`
	// Created is the release timestamp.
	Created int64 `json:"created"`
	// OwnedBy names the organization behind the model.
	OwnedBy string `json:"owned_by"`
	// Type groups models by vendor family (claude, gemini, openai, ...).
	Type string `json:"type"`
	// DisplayName is the human-readable name.
	DisplayName string `json:"display_name,omitempty"`
	// Version is the upstream model version, when known.
	Version string `json:"version,omitempty"`
	// Description carries optional upstream marketing text.
	Description string `json:"description,omitempty"`
	// ContextLength is the context window size in tokens.
	ContextLength int `json:"context_length,omitempty"`
	// MaxCompletionTokens caps a single completion.
	MaxCompletionTokens int `json:"max_completion_tokens,omitempty"`
}

// registration tracks the accounts currently able to serve one model.
type registration struct {
	info *ModelInfo
	// clients maps account ID to the provider it registered under.
	clients   map[string]string
	updatedAt time.Time
}

// ModelRegistry is the shared model and provider lookup table.
type ModelRegistry struct {
	mu sync.RWMutex
	// models maps model ID to its registration.
	models map[string]*registration
	// authModels maps account ID to the model IDs it registered.
	authModels map[string][]string
	// limits, when set, hides models whose accounts are all cooling down.
	limits *ratelimit.Registry
}

var globalRegistry *ModelRegistry
var registryOnce sync.Once

// GetGlobalRegistry returns the process-wide registry instance.
func GetGlobalRegistry() *ModelRegistry {
	registryOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// NewRegistry builds an empty registry.
func NewRegistry() *ModelRegistry {
	return &ModelRegistry{
		models:     make(map[string]*registration),
		authModels: make(map[string][]string),
	}
}

// SetLimits wires the rate-limit registry used to filter availability.
func (r *ModelRegistry) SetLimits(limits *ratelimit.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = limits
}

// RegisterClient records that the account can serve the given models.
// Re-registering an account replaces its previous model set.
func (r *ModelRegistry) RegisterClient(authID, provider string, models []*ModelInfo) {
	if authID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unregisterLocked(authID)

	provider = constant.CanonicalProvider(provider)
	now := time.Now()
	modelIDs := make([]string, 0, len(models))
	for _, model := range models {
		if model == nil || model.ID == "" {
			continue
		}
		modelIDs = append(modelIDs, model.ID)
		reg, ok := r.models[model.ID]
		if !ok {
			reg = &registration{info: model, clients: make(map[string]string)}
			r.models[model.ID] = reg
		}
		reg.clients[authID] = provider
		reg.updatedAt = now
	}
	r.authModels[authID] = modelIDs
	log.Debugf("registered account %s (%s) with %d models", authID, provider, len(modelIDs))
}

// UnregisterClient removes the account from every model it registered.
func (r *ModelRegistry) UnregisterClient(authID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(authID)
}

func (r *ModelRegistry) unregisterLocked(authID string) {
	modelIDs, ok := r.authModels[authID]
	if !ok {
		return
	}
	now := time.Now()
	for _, modelID := range modelIDs {
		reg, ok := r.models[modelID]
		if !ok {
			continue
		}
		delete(reg.clients, authID)
		reg.updatedAt = now
		if len(reg.clients) == 0 {
			delete(r.models, modelID)
			log.Debugf("model %s removed, no accounts remain", modelID)
		}
	}
	delete(r.authModels, authID)
}

// availableLocked counts accounts that can serve the model right now.
func (r *ModelRegistry) availableLocked(modelID string, reg *registration) int {
	if r.limits == nil {
		return len(reg.clients)
	}
	family := ratelimit.Family(modelID)
	available := 0
	for authID := range reg.clients {
		if limited, _ := r.limits.IsRateLimited(authID, family); !limited {
			available++
		}
	}
	return available
}

// GetAvailableModels lists models with at least one usable account, rendered
// for the requested view ("openai" or "claude"). Output is sorted by ID.
func (r *ModelRegistry) GetAvailableModels(view string) []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.models))
	for id, reg := range r.models {
		if r.availableLocked(id, reg) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	models := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if entry := convertModelToMap(r.models[id].info, view); entry != nil {
			models = append(models, entry)
		}
	}
	return models
}

// GetModelCount reports how many accounts can serve the model right now.
func (r *ModelRegistry) GetModelCount(modelID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.models[modelID]
	if !ok {
		return 0
	}
	return r.availableLocked(modelID, reg)
}

// GetModelProviders returns the providers claiming the model, ordered by
// account count descending, then name. Rate-limited accounts still count:
// the dispatcher needs the provider list to compute the shortest wait.
func (r *ModelRegistry) GetModelProviders(modelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.models[modelID]
	if !ok || len(reg.clients) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, provider := range reg.clients {
		if provider != "" {
			counts[provider]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	providers := make([]string, 0, len(counts))
	for name := range counts {
		providers = append(providers, name)
	}
	sort.Slice(providers, func(i, j int) bool {
		if counts[providers[i]] == counts[providers[j]] {
			return providers[i] < providers[j]
		}
		return counts[providers[i]] > counts[providers[j]]
	})
	return providers
}

// convertModelToMap renders a ModelInfo for one listing view.
func convertModelToMap(model *ModelInfo, view string) map[string]any {
	if model == nil {
		return nil
	}

	switch view {
	case "openai":
		result := map[string]any{
			"id":       model.ID,
			"object":   "model",
			"owned_by": model.OwnedBy,
		}
		if model.Created > 0 {
			result["created"] = model.Created
		}
		if model.Type != "" {
			result["type"] = model.Type
		}
		if model.DisplayName != "" {
			result["display_name"] = model.DisplayName
		}
		if model.Version != "" {
			result["version"] = model.Version
		}
		if model.Description != "" {
			result["description"] = model.Description
		}
		if model.ContextLength > 0 {
			result["context_length"] = model.ContextLength
		}
		if model.MaxCompletionTokens > 0 {
			result["max_completion_tokens"] = model.MaxCompletionTokens
		}
		return result

	case "claude":
		result := map[string]any{
			"id":       model.ID,
			"object":   "model",
			"owned_by": model.OwnedBy,
		}
		if model.Created > 0 {
			result["created"] = model.Created
		}
		if model.Type != "" {
			result["type"] = model.Type
		}
		if model.DisplayName != "" {
			result["display_name"] = model.DisplayName
		}
		return result

	default:
		result := map[string]any{
			"id":     model.ID,
			"object": "model",
		}
		if model.OwnedBy != "" {
			result["owned_by"] = model.OwnedBy
		}
		if model.Type != "" {
			result["type"] = model.Type
		}
		return result
	}
}
