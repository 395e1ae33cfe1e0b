package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentgate-dev/agentgate/internal/config"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, configPath, authDir string, cb Callbacks) *Watcher {
	t.Helper()
	w, err := NewWatcher(configPath, authDir, cb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestReloadAuthFileForwardsAccount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex-user.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"codex-user@example.com","provider":"codex","metadata":{"access_token":"at"}}`), 0o600))

	var gotID string
	var gotAuth *coreauth.Auth
	w := newTestWatcher(t, filepath.Join(dir, "config.yaml"), dir, Callbacks{
		OnAuthFile: func(id string, auth *coreauth.Auth, removed bool) {
			require.False(t, removed)
			gotID = id
			gotAuth = auth
		},
	})

	w.reloadAuthFile(path)
	require.Equal(t, "codex-user@example.com", gotID)
	require.NotNil(t, gotAuth)
	require.Equal(t, "codex", gotAuth.Provider)
	require.Equal(t, "at", gotAuth.Metadata["access_token"])
}

func TestReloadAuthFileFallsBackToFilenameID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "my-account.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"provider":"iflow"}`), 0o600))

	var gotID string
	w := newTestWatcher(t, filepath.Join(dir, "config.yaml"), dir, Callbacks{
		OnAuthFile: func(id string, _ *coreauth.Auth, _ bool) { gotID = id },
	})
	w.reloadAuthFile(path)
	require.Equal(t, "my-account", gotID)
}

func TestReloadAuthFileSkipsMalformedAndProviderless(t *testing.T) {
	dir := t.TempDir()
	called := false
	w := newTestWatcher(t, filepath.Join(dir, "config.yaml"), dir, Callbacks{
		OnAuthFile: func(string, *coreauth.Auth, bool) { called = true },
	})

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{not json`), 0o600))
	w.reloadAuthFile(bad)
	require.False(t, called)

	noProvider := filepath.Join(dir, "noprov.json")
	require.NoError(t, os.WriteFile(noProvider, []byte(`{"id":"x"}`), 0o600))
	w.reloadAuthFile(noProvider)
	require.False(t, called)
}

func TestNotifyAuthRemovedOnlyForKnownFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acct.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"acct-1","provider":"qwen_code"}`), 0o600))

	var removals []string
	w := newTestWatcher(t, filepath.Join(dir, "config.yaml"), dir, Callbacks{
		OnAuthFile: func(id string, auth *coreauth.Auth, removed bool) {
			if removed {
				require.Nil(t, auth)
				removals = append(removals, id)
			}
		},
	})

	// Removal of a file never imported is silent.
	w.notifyAuthRemoved(filepath.Join(dir, "other.json"))
	require.Empty(t, removals)

	w.reloadAuthFile(path)
	w.notifyAuthRemoved(path)
	require.Equal(t, []string{"acct-1"}, removals)
}

func TestScanAuthDirImportsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"id":"a","provider":"codex"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{"id":"b","provider":"iflow"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignore me`), 0o600))

	seen := map[string]bool{}
	w := newTestWatcher(t, filepath.Join(dir, "config.yaml"), dir, Callbacks{
		OnAuthFile: func(id string, _ *coreauth.Auth, _ bool) { seen[id] = true },
	})
	w.scanAuthDir()
	require.Equal(t, map[string]bool{"a": true, "b": true}, seen)
}

func TestIsAuthFile(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, filepath.Join(dir, "config.yaml"), dir, Callbacks{})
	require.True(t, w.isAuthFile(filepath.Join(dir, "acct.json")))
	require.True(t, w.isAuthFile(filepath.Join(dir, "ACCT.JSON")))
	require.False(t, w.isAuthFile(filepath.Join(dir, "acct.yaml")))
	require.False(t, w.isAuthFile(filepath.Join(dir, "sub", "acct.json")))
}

func TestSetConfigKeepsLatest(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, filepath.Join(dir, "config.yaml"), "", Callbacks{})
	cfg := &config.Config{Port: 9000}
	w.SetConfig(cfg)
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Equal(t, cfg, w.cfg)
}
