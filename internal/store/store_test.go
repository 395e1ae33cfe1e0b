package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentgate-dev/agentgate/internal/cipher"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	c, err := cipher.New("store-test-secret")
	require.NoError(t, err)
	s, err := Open(filepath.Join(t.TempDir(), "agentgate.db"), c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAuthRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	auth := &coreauth.Auth{
		ID:       "gemini_cli-user@example.com",
		UserID:   "user-1",
		Provider: "gemini_cli",
		Status:   coreauth.StatusActive,
		Attributes: map[string]string{
			"project_id": "proj-123",
		},
		Metadata: map[string]any{
			"access_token":  "ya29.live-token",
			"refresh_token": "1//refresh",
			"email":         "user@example.com",
			"expired":       time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveAuth(ctx, auth))

	got, err := s.GetByID(ctx, auth.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "ya29.live-token", got.Metadata["access_token"])
	require.Equal(t, "1//refresh", got.Metadata["refresh_token"])
	require.Equal(t, "user@example.com", got.Metadata["email"])

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, auth.ID, list[0].ID)
}

func TestSaveAuthSealsTokensAtRest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	auth := &coreauth.Auth{
		ID:       "iflow-user",
		Provider: "iflow",
		Status:   coreauth.StatusActive,
		Attributes: map[string]string{
			"api_key": "sk-iflow-secret",
		},
		Metadata: map[string]any{
			"access_token": "at-secret",
			"email":        "visible@example.com",
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveAuth(ctx, auth))

	// Inspect the raw record: token material must be sealed, identity not.
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw = append(raw, tx.Bucket(bucketAccounts).Get([]byte(auth.ID))...)
		return nil
	})
	require.NoError(t, err)

	var onDisk coreauth.Auth
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.True(t, cipher.IsEncrypted(onDisk.Attributes["api_key"]))
	accessToken, _ := onDisk.Metadata["access_token"].(string)
	require.True(t, cipher.IsEncrypted(accessToken))
	require.Equal(t, "visible@example.com", onDisk.Metadata["email"])

	// The in-memory record passed to SaveAuth keeps its plaintext.
	require.Equal(t, "sk-iflow-secret", auth.Attributes["api_key"])
	require.Equal(t, "at-secret", auth.Metadata["access_token"])
}

func TestSaveAuthRotationReplacesRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	auth := &coreauth.Auth{
		ID:       "codex-acct",
		Provider: "codex",
		Status:   coreauth.StatusActive,
		Metadata: map[string]any{
			"access_token":  "old-at",
			"refresh_token": "old-rt",
			"expired":       time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339),
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveAuth(ctx, auth))

	rotated := auth.Clone()
	rotated.Metadata["access_token"] = "new-at"
	rotated.Metadata["refresh_token"] = "new-rt"
	rotated.Metadata["expired"] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	require.NoError(t, s.SaveAuth(ctx, rotated))

	got, err := s.GetByID(ctx, auth.ID)
	require.NoError(t, err)
	require.Equal(t, "new-at", got.Metadata["access_token"])
	require.Equal(t, "new-rt", got.Metadata["refresh_token"])

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDeleteAuth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuth(ctx, &coreauth.Auth{ID: "tmp", Provider: "openrouter", CreatedAt: time.Now()}))
	require.NoError(t, s.Delete(ctx, "tmp"))

	got, err := s.GetByID(ctx, "tmp")
	require.NoError(t, err)
	require.Nil(t, got)

	// Deleting again is a no-op.
	require.NoError(t, s.Delete(ctx, "tmp"))
}

func TestProxyAPIKeyLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := &ProxyAPIKey{
		Key:    "ag-live-0123456789abcdef",
		UserID: "user-7",
		Name:   "ci token",
		Active: true,
	}
	require.NoError(t, s.SaveProxyAPIKey(ctx, key))

	got, ok, err := s.LookupProxyAPIKey(ctx, "ag-live-0123456789abcdef")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "user-7", got.UserID)
	require.Equal(t, "ag-live-0123456789abcdef", got.Key)
	require.Equal(t, "ag-l...cdef", got.KeyPreview)
	require.True(t, got.Valid(time.Now()))

	_, ok, err = s.LookupProxyAPIKey(ctx, "ag-live-unknown")
	require.NoError(t, err)
	require.False(t, ok)

	keys, err := s.ListProxyAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, s.DeleteProxyAPIKey(ctx, "ag-live-0123456789abcdef"))
	_, ok, err = s.LookupProxyAPIKey(ctx, "ag-live-0123456789abcdef")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProxyAPIKeyValidity(t *testing.T) {
	now := time.Now()
	expired := &ProxyAPIKey{Key: "k", Active: true, ExpiresAt: now.Add(-time.Minute)}
	require.False(t, expired.Valid(now))

	inactive := &ProxyAPIKey{Key: "k", Active: false}
	require.False(t, inactive.Valid(now))

	open := &ProxyAPIKey{Key: "k", Active: true}
	require.True(t, open.Valid(now))
}

func TestPlaintextStoreWithoutCipher(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "plain.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	auth := &coreauth.Auth{
		ID:       "plain",
		Provider: "nvidia_nim",
		Metadata: map[string]any{"api_key": "nvapi-123"},
	}
	require.NoError(t, s.SaveAuth(ctx, auth))
	got, err := s.GetByID(ctx, "plain")
	require.NoError(t, err)
	require.Equal(t, "nvapi-123", got.Metadata["api_key"])
}
