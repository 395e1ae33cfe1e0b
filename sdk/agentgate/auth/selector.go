package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	agexecutor "github.com/agentgate-dev/agentgate/sdk/agentgate/executor"
)

// Selector picks the auth record to serve the next call.
type Selector interface {
	Pick(ctx context.Context, provider, model string, opts agexecutor.Options, auths []*Auth) (*Auth, error)
}

// RoundRobinSelector rotates through candidates per provider+model pair.
// Candidates are ordered by creation time (ID as tie-break) so rotation is
// deterministic regardless of map iteration order.
type RoundRobinSelector struct {
	mu      sync.Mutex
	cursors map[string]int
}

// Pick selects the next available auth for the provider in a round-robin
// manner.
func (s *RoundRobinSelector) Pick(ctx context.Context, provider, model string, opts agexecutor.Options, auths []*Auth) (*Auth, error) {
	_ = ctx
	_ = opts
	if len(auths) == 0 {
		return nil, &Error{Code: "auth_not_found", Message: "no auth candidates", HTTPStatus: 503}
	}
	available := make([]*Auth, 0, len(auths))
	now := time.Now()
	for i := 0; i < len(auths); i++ {
		candidate := auths[i]
		if isAuthBlockedForModel(candidate, model, now) {
			continue
		}
		available = append(available, candidate)
	}
	if len(available) == 0 {
		return nil, &Error{Code: "auth_unavailable", Message: "no auth available", HTTPStatus: 503}
	}
	sort.Slice(available, func(i, j int) bool {
		if !available[i].CreatedAt.Equal(available[j].CreatedAt) {
			return available[i].CreatedAt.Before(available[j].CreatedAt)
		}
		return available[i].ID < available[j].ID
	})
	key := provider + ":" + model
	s.mu.Lock()
	if s.cursors == nil {
		s.cursors = make(map[string]int)
	}
	index := s.cursors[key]
	if index >= 2_147_483_640 {
		index = 0
	}
	s.cursors[key] = index + 1
	s.mu.Unlock()
	return available[index%len(available)], nil
}

func isAuthBlockedForModel(auth *Auth, model string, now time.Time) bool {
	if auth == nil {
		return true
	}
	if auth.Disabled || auth.Status == StatusDisabled {
		return true
	}
	if model != "" && len(auth.ModelStates) > 0 {
		if state, ok := auth.ModelStates[model]; ok && state != nil {
			if state.Status == StatusDisabled {
				return true
			}
			if state.Unavailable {
				if state.NextRetryAfter.IsZero() {
					return false
				}
				if state.NextRetryAfter.After(now) {
					return true
				}
			}
		}
	}
	if auth.Unavailable && auth.NextRetryAfter.After(now) {
		return true
	}
	return false
}
