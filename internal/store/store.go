// Package store persists account credentials and proxy API keys in a single
// embedded bbolt database. Token material is sealed through the configured
// cipher before it touches disk; rotation writes happen inside one update
// transaction so a crash never leaves a half-rotated credential behind.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentgate-dev/agentgate/internal/cipher"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccounts  = []byte("accounts")
	bucketProxyKeys = []byte("proxy_keys")
)

// sensitiveMetaKeys lists metadata fields sealed before persistence.
var sensitiveMetaKeys = []string{"access_token", "refresh_token", "id_token", "api_key"}

// ProxyAPIKey maps an inbound bearer token to a proxy user. Records are
// stored under the SHA-256 of the raw key so lookups never need the
// plaintext bucket key; the key itself is kept sealed inside the record.
type ProxyAPIKey struct {
	Key        string    `json:"key"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name,omitempty"`
	KeyPreview string    `json:"key_preview,omitempty"`
	Active     bool      `json:"active"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Valid reports whether the key may authenticate a request right now.
func (k *ProxyAPIKey) Valid(now time.Time) bool {
	if k == nil || !k.Active {
		return false
	}
	if !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt) {
		return false
	}
	return true
}

// Store is a bbolt-backed credential repository. It implements
// sdk/agentgate/auth.Store for account records and additionally manages the
// proxy API key bucket consumed by inbound access control.
type Store struct {
	db     *bolt.DB
	cipher *cipher.Cipher
}

// Open opens (creating if necessary) the database at path. A nil cipher
// disables encryption at rest, which keeps plaintext stores from older
// deployments readable.
func Open(path string, c *cipher.Cipher) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create database dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, errBucket := tx.CreateBucketIfNotExists(bucketAccounts); errBucket != nil {
			return errBucket
		}
		_, errBucket := tx.CreateBucketIfNotExists(bucketProxyKeys)
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db, cipher: c}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem location of the database file.
func (s *Store) Path() string {
	if s == nil || s.db == nil {
		return ""
	}
	return s.db.Path()
}

// List returns every stored account record with token fields opened.
func (s *Store) List(_ context.Context) ([]*coreauth.Auth, error) {
	var out []*coreauth.Auth
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var record coreauth.Auth
			if errUnmarshal := json.Unmarshal(v, &record); errUnmarshal != nil {
				log.Warnf("store: skip malformed account record %q: %v", string(k), errUnmarshal)
				return nil
			}
			if errOpen := s.openAuth(&record); errOpen != nil {
				log.Warnf("store: skip undecryptable account record %q: %v", string(k), errOpen)
				return nil
			}
			out = append(out, &record)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveAuth persists the record under its ID, replacing any previous value.
// The single update transaction is what makes token rotation atomic.
func (s *Store) SaveAuth(_ context.Context, auth *coreauth.Auth) error {
	if auth == nil || auth.ID == "" {
		return fmt.Errorf("store: auth record missing id")
	}
	sealed := auth.Clone()
	sealed.Runtime = nil
	if err := s.sealAuth(sealed); err != nil {
		return fmt.Errorf("store: seal account %s: %w", auth.ID, err)
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("store: encode account %s: %w", auth.ID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).Put([]byte(auth.ID), payload)
	})
	if err != nil {
		return fmt.Errorf("store: save account %s: %w", auth.ID, err)
	}
	return nil
}

// Delete removes the account record identified by id. Deleting a missing
// record is not an error.
func (s *Store) Delete(_ context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("store: empty account id")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("store: delete account %s: %w", id, err)
	}
	return nil
}

// GetByID loads a single account record, nil when absent.
func (s *Store) GetByID(_ context.Context, id string) (*coreauth.Auth, error) {
	var record *coreauth.Auth
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAccounts).Get([]byte(id))
		if v == nil {
			return nil
		}
		var decoded coreauth.Auth
		if errUnmarshal := json.Unmarshal(v, &decoded); errUnmarshal != nil {
			return errUnmarshal
		}
		record = &decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: load account %s: %w", id, err)
	}
	if record == nil {
		return nil, nil
	}
	if err = s.openAuth(record); err != nil {
		return nil, fmt.Errorf("store: open account %s: %w", id, err)
	}
	return record, nil
}

// SaveProxyAPIKey persists an inbound proxy key record. The plaintext key
// never becomes a bucket key; records are addressed by its SHA-256.
func (s *Store) SaveProxyAPIKey(_ context.Context, key *ProxyAPIKey) error {
	if key == nil || key.Key == "" {
		return fmt.Errorf("store: proxy key missing value")
	}
	record := *key
	if record.KeyPreview == "" {
		record.KeyPreview = previewKey(record.Key)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	digest := hashKey(record.Key)
	sealedKey, err := s.seal(record.Key)
	if err != nil {
		return fmt.Errorf("store: seal proxy key: %w", err)
	}
	record.Key = sealedKey
	payload, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("store: encode proxy key: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxyKeys).Put([]byte(digest), payload)
	})
	if err != nil {
		return fmt.Errorf("store: save proxy key: %w", err)
	}
	return nil
}

// LookupProxyAPIKey resolves the record for a raw inbound key. The boolean
// reports presence; validity (active flag, expiry) is left to the caller.
func (s *Store) LookupProxyAPIKey(_ context.Context, rawKey string) (*ProxyAPIKey, bool, error) {
	if rawKey == "" {
		return nil, false, nil
	}
	var record *ProxyAPIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProxyKeys).Get([]byte(hashKey(rawKey)))
		if v == nil {
			return nil
		}
		var decoded ProxyAPIKey
		if errUnmarshal := json.Unmarshal(v, &decoded); errUnmarshal != nil {
			return errUnmarshal
		}
		record = &decoded
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: lookup proxy key: %w", err)
	}
	if record == nil {
		return nil, false, nil
	}
	opened, err := s.open(record.Key)
	if err != nil {
		return nil, false, fmt.Errorf("store: open proxy key: %w", err)
	}
	record.Key = opened
	return record, true, nil
}

// ListProxyAPIKeys returns every stored proxy key record with the key value
// opened, ordered by creation time.
func (s *Store) ListProxyAPIKeys(_ context.Context) ([]*ProxyAPIKey, error) {
	var out []*ProxyAPIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxyKeys).ForEach(func(k, v []byte) error {
			var record ProxyAPIKey
			if errUnmarshal := json.Unmarshal(v, &record); errUnmarshal != nil {
				log.Warnf("store: skip malformed proxy key record %q: %v", string(k), errUnmarshal)
				return nil
			}
			opened, errOpen := s.open(record.Key)
			if errOpen != nil {
				log.Warnf("store: skip undecryptable proxy key record %q: %v", string(k), errOpen)
				return nil
			}
			record.Key = opened
			out = append(out, &record)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list proxy keys: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteProxyAPIKey removes the record for the raw key value.
func (s *Store) DeleteProxyAPIKey(_ context.Context, rawKey string) error {
	if rawKey == "" {
		return fmt.Errorf("store: empty proxy key")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxyKeys).Delete([]byte(hashKey(rawKey)))
	})
	if err != nil {
		return fmt.Errorf("store: delete proxy key: %w", err)
	}
	return nil
}

func (s *Store) sealAuth(auth *coreauth.Auth) error {
	if auth.Attributes != nil {
		if v := auth.Attributes["api_key"]; v != "" {
			sealed, err := s.seal(v)
			if err != nil {
				return err
			}
			auth.Attributes["api_key"] = sealed
		}
	}
	return s.transformMeta(auth.Metadata, s.seal)
}

func (s *Store) openAuth(auth *coreauth.Auth) error {
	if auth.Attributes != nil {
		if v := auth.Attributes["api_key"]; v != "" {
			opened, err := s.open(v)
			if err != nil {
				return err
			}
			auth.Attributes["api_key"] = opened
		}
	}
	return s.transformMeta(auth.Metadata, s.open)
}

// transformMeta applies fn to every sensitive string field, descending one
// level into nested token maps the way legacy auth files arranged them.
func (s *Store) transformMeta(meta map[string]any, fn func(string) (string, error)) error {
	if meta == nil {
		return nil
	}
	for _, key := range sensitiveMetaKeys {
		if raw, ok := meta[key].(string); ok && raw != "" {
			next, err := fn(raw)
			if err != nil {
				return err
			}
			meta[key] = next
		}
	}
	for _, nestedKey := range []string{"token", "Token"} {
		if nested, ok := meta[nestedKey].(map[string]any); ok {
			if err := s.transformMeta(nested, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) seal(v string) (string, error) {
	if s.cipher == nil || v == "" || cipher.IsEncrypted(v) {
		return v, nil
	}
	return s.cipher.Encrypt(v)
}

func (s *Store) open(v string) (string, error) {
	if s.cipher == nil || v == "" {
		return v, nil
	}
	return s.cipher.Decrypt(v)
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func previewKey(raw string) string {
	if len(raw) <= 8 {
		return strings.Repeat("*", len(raw))
	}
	return raw[:4] + "..." + raw[len(raw)-4:]
}
