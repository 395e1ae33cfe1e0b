package auth

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentgate-dev/agentgate/internal/ratelimit"
	agexecutor "github.com/agentgate-dev/agentgate/sdk/agentgate/executor"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	auths map[string]*Auth
	saves int
}

func newMemStore() *memStore {
	return &memStore{auths: make(map[string]*Auth)}
}

func (s *memStore) List(context.Context) ([]*Auth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Auth, 0, len(s.auths))
	for _, a := range s.auths {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *memStore) SaveAuth(_ context.Context, auth *Auth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auths[auth.ID] = auth.Clone()
	s.saves++
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.auths, id)
	return nil
}

// fakeExecutor scripts Execute and Refresh behavior per auth ID.
type fakeExecutor struct {
	provider string

	mu       sync.Mutex
	execErr  map[string]error
	executed []string

	refreshDelay time.Duration
	refreshCount int32
	refreshErr   error
}

func newFakeExecutor(provider string) *fakeExecutor {
	return &fakeExecutor{provider: provider, execErr: make(map[string]error)}
}

func (f *fakeExecutor) Identifier() string { return f.provider }

func (f *fakeExecutor) PrepareRequest(*http.Request, *Auth) error { return nil }

func (f *fakeExecutor) Execute(_ context.Context, auth *Auth, _ agexecutor.Request, _ agexecutor.Options) (agexecutor.Response, error) {
	f.mu.Lock()
	f.executed = append(f.executed, auth.ID)
	err := f.execErr[auth.ID]
	f.mu.Unlock()
	if err != nil {
		return agexecutor.Response{}, err
	}
	return agexecutor.Response{Payload: []byte(`{"ok":true}`)}, nil
}

func (f *fakeExecutor) ExecuteStream(ctx context.Context, auth *Auth, req agexecutor.Request, opts agexecutor.Options) (<-chan agexecutor.StreamChunk, error) {
	if _, err := f.Execute(ctx, auth, req, opts); err != nil {
		return nil, err
	}
	ch := make(chan agexecutor.StreamChunk, 1)
	ch <- agexecutor.StreamChunk{Payload: []byte("data: {}")}
	close(ch)
	return ch, nil
}

func (f *fakeExecutor) CountTokens(ctx context.Context, auth *Auth, req agexecutor.Request, opts agexecutor.Options) (agexecutor.Response, error) {
	return f.Execute(ctx, auth, req, opts)
}

func (f *fakeExecutor) Refresh(_ context.Context, auth *Auth) (*Auth, error) {
	atomic.AddInt32(&f.refreshCount, 1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	updated := auth.Clone()
	if updated.Metadata == nil {
		updated.Metadata = make(map[string]any)
	}
	updated.Metadata["access_token"] = "rotated-token"
	updated.Metadata["expired"] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	return updated, nil
}

func (f *fakeExecutor) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func newTestManager(t *testing.T, exec ProviderExecutor) (*Manager, *memStore) {
	t.Helper()
	st := newMemStore()
	m := NewManager(st, &RoundRobinSelector{}, ratelimit.NewRegistry())
	m.SetRetryPolicy(3, time.Millisecond)
	m.RegisterExecutor(exec)
	return m, st
}

func registerAuth(t *testing.T, m *Manager, auth *Auth) {
	t.Helper()
	_, err := m.Register(context.Background(), auth)
	require.NoError(t, err)
}

func TestExecuteRefreshesExpiredCredential(t *testing.T) {
	exec := newFakeExecutor("codex")
	m, st := newTestManager(t, exec)
	registerAuth(t, m, &Auth{
		ID:       "acct-1",
		Provider: "codex",
		Metadata: map[string]any{
			"access_token": "stale-token",
			"expired":      time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
		},
	})

	_, err := m.Execute(context.Background(), []string{"codex"}, agexecutor.Request{Model: "gpt-5"}, agexecutor.Options{})
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&exec.refreshCount))

	// The rotated token must be persisted before the call proceeds.
	st.mu.Lock()
	stored := st.auths["acct-1"]
	st.mu.Unlock()
	require.NotNil(t, stored)
	require.Equal(t, "rotated-token", stored.Metadata["access_token"])
	require.False(t, stored.LastRefreshedAt.IsZero())
}

func TestRefreshAuthDeduplicatesConcurrentCallers(t *testing.T) {
	exec := newFakeExecutor("codex")
	exec.refreshDelay = 50 * time.Millisecond
	m, _ := newTestManager(t, exec)
	registerAuth(t, m, &Auth{
		ID:       "acct-1",
		Provider: "codex",
		Metadata: map[string]any{
			"expired": time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refreshed, err := m.RefreshAuth(context.Background(), "acct-1")
			require.NoError(t, err)
			require.Equal(t, "rotated-token", refreshed.Metadata["access_token"])
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&exec.refreshCount))
}

func TestExecuteFailsOverOnRateLimit(t *testing.T) {
	exec := newFakeExecutor("iflow")
	m, _ := newTestManager(t, exec)
	retry := 30 * time.Minute
	exec.execErr["acct-a"] = &Error{
		Code:       "rate_limited",
		Message:    "quota exceeded",
		HTTPStatus: http.StatusTooManyRequests,
		Retry:      &retry,
	}
	base := time.Now().Add(-time.Hour).UTC()
	registerAuth(t, m, &Auth{ID: "acct-a", Provider: "iflow", CreatedAt: base})
	registerAuth(t, m, &Auth{ID: "acct-b", Provider: "iflow", CreatedAt: base.Add(time.Minute)})

	resp, err := m.Execute(context.Background(), []string{"iflow"}, agexecutor.Request{Model: "qwen3-coder"}, agexecutor.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Payload)
	require.Equal(t, []string{"acct-a", "acct-b"}, exec.executedIDs())

	// The limited account cools down for the hinted duration.
	limited, wait := m.Limits().IsRateLimited("acct-a", ratelimit.Family("qwen3-coder"))
	require.True(t, limited)
	require.Greater(t, wait, 29*time.Minute)
	limited, _ = m.Limits().IsRateLimited("acct-b", ratelimit.Family("qwen3-coder"))
	require.False(t, limited)
}

func TestExecuteReportsQuotaExhaustedWithRetryHint(t *testing.T) {
	exec := newFakeExecutor("iflow")
	m, _ := newTestManager(t, exec)
	retry := 10 * time.Minute
	exec.execErr["acct-a"] = &Error{
		Code:       "rate_limited",
		Message:    "quota exceeded",
		HTTPStatus: http.StatusTooManyRequests,
		Retry:      &retry,
	}
	registerAuth(t, m, &Auth{ID: "acct-a", Provider: "iflow"})

	_, err := m.Execute(context.Background(), []string{"iflow"}, agexecutor.Request{Model: "qwen3-coder"}, agexecutor.Options{})
	require.Error(t, err)

	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	require.Equal(t, http.StatusTooManyRequests, dispatchErr.StatusCode())
}

func TestExecuteQuotaExhaustedWhenAllAccountsCooling(t *testing.T) {
	exec := newFakeExecutor("iflow")
	m, _ := newTestManager(t, exec)
	registerAuth(t, m, &Auth{ID: "acct-a", Provider: "iflow"})
	m.Limits().MarkRateLimited("acct-a", ratelimit.Family("qwen3-coder"), 20*time.Minute, "qwen3-coder", "cooling")

	_, err := m.Execute(context.Background(), []string{"iflow"}, agexecutor.Request{Model: "qwen3-coder"}, agexecutor.Options{})
	require.Error(t, err)

	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	require.Equal(t, "quota_exhausted", dispatchErr.Code)
	require.Equal(t, http.StatusServiceUnavailable, dispatchErr.StatusCode())
	require.True(t, dispatchErr.Retryable)
	require.NotNil(t, dispatchErr.RetryAfter())
	require.Greater(t, *dispatchErr.RetryAfter(), time.Duration(0))
}

func TestExecuteAbortsOnClientError(t *testing.T) {
	exec := newFakeExecutor("copilot")
	m, _ := newTestManager(t, exec)
	exec.execErr["acct-a"] = &Error{Code: "bad_request", Message: "malformed body", HTTPStatus: http.StatusBadRequest}
	base := time.Now().Add(-time.Hour).UTC()
	registerAuth(t, m, &Auth{ID: "acct-a", Provider: "copilot", CreatedAt: base})
	registerAuth(t, m, &Auth{ID: "acct-b", Provider: "copilot", CreatedAt: base.Add(time.Minute)})

	_, err := m.Execute(context.Background(), []string{"copilot"}, agexecutor.Request{Model: "gpt-4o"}, agexecutor.Options{})
	require.Error(t, err)
	// Client errors never burn a second account.
	require.Equal(t, []string{"acct-a"}, exec.executedIDs())
}

func TestExecuteRetriesTransientErrorOnNextAccount(t *testing.T) {
	exec := newFakeExecutor("codex")
	m, _ := newTestManager(t, exec)
	exec.execErr["acct-a"] = &Error{Code: "upstream", Message: "bad gateway", HTTPStatus: http.StatusBadGateway}
	base := time.Now().Add(-time.Hour).UTC()
	registerAuth(t, m, &Auth{ID: "acct-a", Provider: "codex", CreatedAt: base})
	registerAuth(t, m, &Auth{ID: "acct-b", Provider: "codex", CreatedAt: base.Add(time.Minute)})

	resp, err := m.Execute(context.Background(), []string{"codex"}, agexecutor.Request{Model: "gpt-5"}, agexecutor.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Payload)
	require.Equal(t, []string{"acct-a", "acct-b"}, exec.executedIDs())
}

func TestCandidatesRespectUserScope(t *testing.T) {
	exec := newFakeExecutor("codex")
	m, _ := newTestManager(t, exec)
	registerAuth(t, m, &Auth{ID: "acct-a", Provider: "codex", UserID: "alice"})
	registerAuth(t, m, &Auth{ID: "acct-b", Provider: "codex", UserID: "bob"})

	_, err := m.Execute(context.Background(), []string{"codex"}, agexecutor.Request{Model: "gpt-5"}, agexecutor.Options{UserID: "bob"})
	require.NoError(t, err)
	require.Equal(t, []string{"acct-b"}, exec.executedIDs())
}

func TestRoundRobinSelectorRotates(t *testing.T) {
	sel := &RoundRobinSelector{}
	base := time.Now().Add(-time.Hour)
	auths := []*Auth{
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(time.Minute)},
		{ID: "c", CreatedAt: base.Add(2 * time.Minute)},
	}
	var picked []string
	for i := 0; i < 6; i++ {
		auth, err := sel.Pick(context.Background(), "codex", "gpt-5", agexecutor.Options{}, auths)
		require.NoError(t, err)
		picked = append(picked, auth.ID)
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestDisabledAuthNeverPicked(t *testing.T) {
	exec := newFakeExecutor("codex")
	m, _ := newTestManager(t, exec)
	registerAuth(t, m, &Auth{ID: "acct-a", Provider: "codex", Disabled: true})

	_, err := m.Execute(context.Background(), []string{"codex"}, agexecutor.Request{Model: "gpt-5"}, agexecutor.Options{})
	require.Error(t, err)
	require.Empty(t, exec.executedIDs())
}
