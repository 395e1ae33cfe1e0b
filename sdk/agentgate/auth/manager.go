package auth

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentgate-dev/agentgate/internal/ratelimit"
	agexecutor "github.com/agentgate-dev/agentgate/sdk/agentgate/executor"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ProviderExecutor is the contract a provider module implements to serve
// calls for its upstream.
type ProviderExecutor interface {
	// Identifier returns the provider key the executor serves.
	Identifier() string
	// PrepareRequest injects credentials into a raw HTTP request.
	PrepareRequest(req *http.Request, auth *Auth) error
	// Execute performs a buffered call.
	Execute(ctx context.Context, auth *Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error)
	// ExecuteStream performs a streaming call. Errors after the channel is
	// returned surface as StreamChunk.Err.
	ExecuteStream(ctx context.Context, auth *Auth, req agexecutor.Request, opts agexecutor.Options) (<-chan agexecutor.StreamChunk, error)
	// CountTokens estimates prompt tokens for the request.
	CountTokens(ctx context.Context, auth *Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error)
	// Refresh rotates the credential and returns the updated auth.
	Refresh(ctx context.Context, auth *Auth) (*Auth, error)
}

// RoundTripperProvider supplies per-auth HTTP transports so individual
// credentials can ride their own proxies.
type RoundTripperProvider interface {
	RoundTripperFor(auth *Auth) http.RoundTripper
}

type roundTripperContextKey struct{}

// RoundTripperFromContext extracts the per-auth transport installed by the
// manager, nil when the call should use the default transport.
func RoundTripperFromContext(ctx context.Context) http.RoundTripper {
	if ctx == nil {
		return nil
	}
	if rt, ok := ctx.Value(roundTripperContextKey{}).(http.RoundTripper); ok {
		return rt
	}
	return nil
}

var retryableStatuses = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

const maxTransientBackoff = time.Hour

// Manager owns the auth records, coordinates refreshes and dispatches
// calls to provider executors with rate-limit aware failover.
type Manager struct {
	mu        sync.RWMutex
	auths     map[string]*Auth
	executors map[string]ProviderExecutor

	store    Store
	selector Selector
	limits   *ratelimit.Registry

	refreshGroup singleflight.Group

	rtMu       sync.RWMutex
	rtProvider RoundTripperProvider

	retryLimit  int
	backoffBase time.Duration

	onChange func(auth *Auth, deleted bool)

	refreshMu     sync.Mutex
	refreshCancel context.CancelFunc
}

// NewManager builds a manager around the given persistence backend. A nil
// selector falls back to round-robin, a nil registry gets a fresh one.
func NewManager(store Store, selector Selector, limits *ratelimit.Registry) *Manager {
	if selector == nil {
		selector = &RoundRobinSelector{}
	}
	if limits == nil {
		limits = ratelimit.NewRegistry()
	}
	return &Manager{
		auths:       make(map[string]*Auth),
		executors:   make(map[string]ProviderExecutor),
		store:       store,
		selector:    selector,
		limits:      limits,
		retryLimit:  3,
		backoffBase: 500 * time.Millisecond,
	}
}

// SetRetryPolicy configures the failover budget and the transient backoff
// base used between attempts.
func (m *Manager) SetRetryPolicy(limit int, backoffBase time.Duration) {
	if limit > 0 {
		m.retryLimit = limit
	}
	if backoffBase > 0 {
		m.backoffBase = backoffBase
	}
}

// SetOnChange installs the hook fired after an auth is added, updated or
// deleted.
func (m *Manager) SetOnChange(fn func(auth *Auth, deleted bool)) {
	m.onChange = fn
}

// SetRoundTripperProvider installs the per-auth transport source.
func (m *Manager) SetRoundTripperProvider(p RoundTripperProvider) {
	m.rtMu.Lock()
	m.rtProvider = p
	m.rtMu.Unlock()
}

// Limits exposes the rate-limit registry shared with executors.
func (m *Manager) Limits() *ratelimit.Registry { return m.limits }

// RegisterExecutor installs the executor for its provider key.
func (m *Manager) RegisterExecutor(exec ProviderExecutor) {
	if exec == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(exec.Identifier()))
	if key == "" {
		return
	}
	m.mu.Lock()
	m.executors[key] = exec
	m.mu.Unlock()
}

// ExecutorFor returns the executor registered for the provider.
func (m *Manager) ExecutorFor(provider string) (ProviderExecutor, bool) {
	m.mu.RLock()
	exec, ok := m.executors[strings.ToLower(strings.TrimSpace(provider))]
	m.mu.RUnlock()
	return exec, ok
}

// Load pulls all auth records from the store into memory.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return errors.New("auth manager: store not configured")
	}
	records, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.auths = make(map[string]*Auth, len(records))
	for _, record := range records {
		if record == nil || record.ID == "" {
			continue
		}
		if record.Status == "" {
			record.Status = StatusActive
		}
		m.auths[record.ID] = record
	}
	m.mu.Unlock()
	if m.onChange != nil {
		for _, record := range records {
			m.onChange(record.Clone(), false)
		}
	}
	return nil
}

// Register persists a new auth record and makes it eligible for dispatch.
func (m *Manager) Register(ctx context.Context, auth *Auth) (*Auth, error) {
	if auth == nil || auth.ID == "" {
		return nil, errors.New("auth manager: auth id required")
	}
	now := time.Now().UTC()
	if auth.CreatedAt.IsZero() {
		auth.CreatedAt = now
	}
	auth.UpdatedAt = now
	if auth.Status == "" {
		auth.Status = StatusActive
	}
	if m.store != nil {
		if err := m.store.SaveAuth(ctx, auth); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.auths[auth.ID] = auth.Clone()
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(auth.Clone(), false)
	}
	return auth, nil
}

// Update persists changes to an existing auth record.
func (m *Manager) Update(ctx context.Context, auth *Auth) (*Auth, error) {
	if auth == nil || auth.ID == "" {
		return nil, errors.New("auth manager: auth id required")
	}
	auth.UpdatedAt = time.Now().UTC()
	if m.store != nil {
		if err := m.store.SaveAuth(ctx, auth); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.auths[auth.ID] = auth.Clone()
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(auth.Clone(), false)
	}
	return auth, nil
}

// Delete removes an auth record permanently.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("auth manager: auth id required")
	}
	m.mu.Lock()
	existing := m.auths[id]
	delete(m.auths, id)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			return err
		}
	}
	if existing != nil && m.onChange != nil {
		m.onChange(existing.Clone(), true)
	}
	return nil
}

// GetByID returns a copy of the auth record.
func (m *Manager) GetByID(id string) (*Auth, bool) {
	m.mu.RLock()
	auth, ok := m.auths[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return auth.Clone(), true
}

// List returns copies of all auth records sorted by creation time.
func (m *Manager) List() []*Auth {
	m.mu.RLock()
	out := make([]*Auth, 0, len(m.auths))
	for _, auth := range m.auths {
		out = append(out, auth.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Execute dispatches a buffered call across the candidate providers with
// rate-limit failover.
func (m *Manager) Execute(ctx context.Context, providers []string, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	var out agexecutor.Response
	err := m.dispatch(ctx, providers, req, opts, func(callCtx context.Context, exec ProviderExecutor, auth *Auth) error {
		resp, errExec := exec.Execute(callCtx, auth, req, opts)
		if errExec != nil {
			return errExec
		}
		out = resp
		return nil
	})
	return out, err
}

// ExecuteStream dispatches a streaming call. Failover only happens before
// the first upstream frame; later errors terminate the stream.
func (m *Manager) ExecuteStream(ctx context.Context, providers []string, req agexecutor.Request, opts agexecutor.Options) (<-chan agexecutor.StreamChunk, error) {
	var out <-chan agexecutor.StreamChunk
	err := m.dispatch(ctx, providers, req, opts, func(callCtx context.Context, exec ProviderExecutor, auth *Auth) error {
		stream, errExec := exec.ExecuteStream(callCtx, auth, req, opts)
		if errExec != nil {
			return errExec
		}
		out = stream
		return nil
	})
	return out, err
}

// CountTokens estimates prompt tokens using the first available account.
func (m *Manager) CountTokens(ctx context.Context, providers []string, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	var out agexecutor.Response
	err := m.dispatch(ctx, providers, req, opts, func(callCtx context.Context, exec ProviderExecutor, auth *Auth) error {
		resp, errExec := exec.CountTokens(callCtx, auth, req, opts)
		if errExec != nil {
			return errExec
		}
		out = resp
		return nil
	})
	return out, err
}

func (m *Manager) dispatch(ctx context.Context, providers []string, req agexecutor.Request, opts agexecutor.Options, call func(context.Context, ProviderExecutor, *Auth) error) error {
	family := ratelimit.Family(req.Model)
	tried := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt <= m.retryLimit; attempt++ {
		auth, exec := m.pick(ctx, providers, req.Model, opts, tried)
		if auth == nil {
			break
		}
		tried[auth.ID] = true

		fresh, errFresh := m.ensureFresh(ctx, auth)
		if errFresh != nil {
			return errFresh
		}

		callCtx := m.executionContext(ctx, fresh)
		errCall := call(callCtx, exec, fresh)
		if errCall == nil {
			m.markSuccess(fresh.ID, req.Model)
			return nil
		}
		lastErr = errCall

		status := StatusCodeFromError(errCall)
		switch {
		case status == http.StatusTooManyRequests:
			retryAfter := retryAfterFromError(errCall)
			if retryAfter <= 0 {
				retryAfter = ratelimit.DefaultRetryAfter
			}
			m.limits.MarkRateLimited(fresh.ID, family, retryAfter, req.Model, errCall.Error())
			m.markModelUnavailable(fresh.ID, req.Model, retryAfter, errCall)
			log.Debugf("auth manager: %s rate limited for %s, cooling %s", fresh.ID, family, retryAfter)
		case retryableStatuses[status]:
			m.markAuthError(fresh.ID, errCall)
			backoff := m.backoffBase << attempt
			if backoff > maxTransientBackoff {
				backoff = maxTransientBackoff
			}
			log.Debugf("auth manager: %s upstream %d, backing off %s", fresh.ID, status, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		default:
			m.markAuthError(fresh.ID, errCall)
			return errCall
		}
	}
	if lastErr != nil {
		return lastErr
	}
	wait := m.limits.MinWaitTime(m.candidateIDs(providers, opts.UserID), family)
	return &Error{
		Code:       "quota_exhausted",
		Message:    "no account available for " + req.Model,
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Retry:      &wait,
	}
}

// pick chooses the next untried, unblocked account across providers.
func (m *Manager) pick(ctx context.Context, providers []string, model string, opts agexecutor.Options, tried map[string]bool) (*Auth, ProviderExecutor) {
	family := ratelimit.Family(model)
	for _, provider := range providers {
		exec, ok := m.ExecutorFor(provider)
		if !ok {
			continue
		}
		candidates := m.candidates(provider, opts.UserID)
		filtered := candidates[:0]
		for _, candidate := range candidates {
			if tried[candidate.ID] {
				continue
			}
			if limited, _ := m.limits.IsRateLimited(candidate.ID, family); limited {
				continue
			}
			filtered = append(filtered, candidate)
		}
		if len(filtered) == 0 {
			continue
		}
		auth, err := m.selector.Pick(ctx, provider, model, opts, filtered)
		if err != nil || auth == nil {
			continue
		}
		return auth, exec
	}
	return nil, nil
}

func (m *Manager) candidates(provider, userID string) []*Auth {
	provider = strings.ToLower(strings.TrimSpace(provider))
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Auth, 0, len(m.auths))
	for _, auth := range m.auths {
		if !strings.EqualFold(auth.Provider, provider) {
			continue
		}
		if userID != "" && auth.UserID != "" && auth.UserID != userID {
			continue
		}
		out = append(out, auth.Clone())
	}
	return out
}

func (m *Manager) candidateIDs(providers []string, userID string) []string {
	ids := make([]string, 0)
	for _, provider := range providers {
		for _, auth := range m.candidates(provider, userID) {
			ids = append(ids, auth.ID)
		}
	}
	return ids
}

// ensureFresh refreshes the credential when it is within its provider's
// refresh lead of expiry. A failed refresh falls back to the current token
// while it is still valid and fails Unauthorized once it is not.
func (m *Manager) ensureFresh(ctx context.Context, auth *Auth) (*Auth, error) {
	expiry, ok := auth.ExpirationTime()
	if !ok {
		return auth, nil
	}
	lead := time.Duration(0)
	if l := ProviderRefreshLead(auth.Provider, auth.Runtime); l != nil {
		lead = *l
	}
	now := time.Now()
	if now.Before(expiry.Add(-lead)) {
		return auth, nil
	}
	refreshed, err := m.RefreshAuth(ctx, auth.ID)
	if err == nil {
		return refreshed, nil
	}
	if now.Before(expiry) {
		log.Warnf("auth manager: refresh failed for %s, reusing valid token: %v", auth.ID, err)
		return auth, nil
	}
	return nil, &Error{
		Code:       "refresh_failed",
		Message:    "credential expired and refresh failed: " + err.Error(),
		HTTPStatus: http.StatusUnauthorized,
	}
}

// RefreshAuth rotates the credential through its executor. Concurrent
// callers for the same id share a single upstream refresh, and the rotated
// tokens are persisted before anyone proceeds. The refresh itself is
// shielded from caller cancellation so racing disconnects cannot strand a
// half-rotated credential.
func (m *Manager) RefreshAuth(ctx context.Context, id string) (*Auth, error) {
	result, err, _ := m.refreshGroup.Do(id, func() (any, error) {
		m.mu.RLock()
		current, ok := m.auths[id]
		m.mu.RUnlock()
		if !ok {
			return nil, &Error{Code: "auth_not_found", Message: "unknown auth " + id, HTTPStatus: http.StatusNotFound}
		}
		exec, ok := m.ExecutorFor(current.Provider)
		if !ok {
			return nil, &Error{Code: "executor_missing", Message: "no executor for " + current.Provider, HTTPStatus: http.StatusInternalServerError}
		}
		refreshCtx := context.WithoutCancel(ctx)
		updated, errRefresh := exec.Refresh(refreshCtx, current.Clone())
		now := time.Now().UTC()
		if errRefresh != nil {
			m.mu.Lock()
			if stored, okStored := m.auths[id]; okStored {
				stored.LastError = &Error{Code: "refresh_failed", Message: errRefresh.Error(), HTTPStatus: StatusCodeFromError(errRefresh)}
				stored.NextRefreshAfter = now.Add(5 * time.Minute)
				stored.UpdatedAt = now
			}
			m.mu.Unlock()
			return nil, errRefresh
		}
		if updated == nil {
			updated = current.Clone()
		}
		updated.LastRefreshedAt = now
		updated.UpdatedAt = now
		updated.NextRefreshAfter = time.Time{}
		updated.LastError = nil
		if updated.Status == "" || updated.Status == StatusError {
			updated.Status = StatusActive
		}
		if m.store != nil {
			if errSave := m.store.SaveAuth(refreshCtx, updated); errSave != nil {
				return nil, errSave
			}
		}
		m.mu.Lock()
		m.auths[id] = updated.Clone()
		m.mu.Unlock()
		if m.onChange != nil {
			m.onChange(updated.Clone(), false)
		}
		return updated.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Auth), nil
}

// StartAutoRefresh launches the background loop that rotates credentials
// ahead of expiry.
func (m *Manager) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	m.refreshMu.Lock()
	if m.refreshCancel != nil {
		m.refreshMu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.refreshCancel = cancel
	m.refreshMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.refreshDueAuths(loopCtx)
			}
		}
	}()
}

// StopAutoRefresh stops the background refresh loop.
func (m *Manager) StopAutoRefresh() {
	m.refreshMu.Lock()
	if m.refreshCancel != nil {
		m.refreshCancel()
		m.refreshCancel = nil
	}
	m.refreshMu.Unlock()
}

func (m *Manager) refreshDueAuths(ctx context.Context) {
	now := time.Now()
	for _, auth := range m.List() {
		if auth.Disabled || auth.Status == StatusDisabled {
			continue
		}
		if !auth.NextRefreshAfter.IsZero() && now.Before(auth.NextRefreshAfter) {
			continue
		}
		expiry, ok := auth.ExpirationTime()
		if !ok {
			continue
		}
		lead := time.Duration(0)
		if l := ProviderRefreshLead(auth.Provider, auth.Runtime); l != nil {
			lead = *l
		}
		if now.Before(expiry.Add(-lead)) {
			continue
		}
		if _, err := m.RefreshAuth(ctx, auth.ID); err != nil {
			log.Debugf("auth manager: background refresh failed for %s: %v", auth.ID, err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (m *Manager) executionContext(ctx context.Context, auth *Auth) context.Context {
	m.rtMu.RLock()
	provider := m.rtProvider
	m.rtMu.RUnlock()
	if provider == nil {
		return ctx
	}
	rt := provider.RoundTripperFor(auth)
	if rt == nil {
		return ctx
	}
	return context.WithValue(ctx, roundTripperContextKey{}, rt)
}

func (m *Manager) markSuccess(id, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	auth, ok := m.auths[id]
	if !ok {
		return
	}
	auth.Unavailable = false
	auth.Quota = QuotaState{}
	auth.LastError = nil
	if auth.Status == StatusError {
		auth.Status = StatusActive
	}
	if model != "" && auth.ModelStates != nil {
		delete(auth.ModelStates, model)
	}
}

func (m *Manager) markModelUnavailable(id, model string, retryAfter time.Duration, cause error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	auth, ok := m.auths[id]
	if !ok {
		return
	}
	if auth.ModelStates == nil {
		auth.ModelStates = make(map[string]*ModelState)
	}
	auth.ModelStates[model] = &ModelState{
		Status:         StatusActive,
		Unavailable:    true,
		NextRetryAfter: now.Add(retryAfter),
		LastError:      &Error{Code: "rate_limited", Message: cause.Error(), HTTPStatus: http.StatusTooManyRequests},
		Quota:          QuotaState{Exceeded: true, NextRecoverAt: now.Add(retryAfter)},
		UpdatedAt:      now,
	}
}

func (m *Manager) markAuthError(id string, cause error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	auth, ok := m.auths[id]
	if !ok {
		return
	}
	auth.LastError = &Error{Code: "upstream_error", Message: cause.Error(), HTTPStatus: StatusCodeFromError(cause)}
	auth.UpdatedAt = now
}

// StatusCodeFromError extracts an HTTP status from executor errors,
// defaulting to 500.
func StatusCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode()
	}
	return http.StatusInternalServerError
}

func retryAfterFromError(err error) time.Duration {
	var hinted interface{ RetryAfter() *time.Duration }
	if errors.As(err, &hinted) {
		if d := hinted.RetryAfter(); d != nil {
			return *d
		}
	}
	return 0
}
