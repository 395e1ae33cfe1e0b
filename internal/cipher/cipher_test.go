package cipher

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New("unit-test-secret")
	require.NoError(t, err)

	cases := []string{
		"",
		"sk-abc123",
		"1//0gFakeRefreshToken",
		strings.Repeat("x", 4096),
		"token-with-ünïcode-✓",
	}
	for _, plain := range cases {
		sealed, err := c.Encrypt(plain)
		require.NoError(t, err)
		require.True(t, IsEncrypted(sealed))

		got, err := c.Decrypt(sealed)
		require.NoError(t, err)
		require.Equal(t, plain, got)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c, err := New("unit-test-secret")
	require.NoError(t, err)

	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDecryptPassesThroughLegacyPlaintext(t *testing.T) {
	c, err := New("unit-test-secret")
	require.NoError(t, err)

	got, err := c.Decrypt("plain-old-refresh-token")
	require.NoError(t, err)
	require.Equal(t, "plain-old-refresh-token", got)
}

func TestDecryptRejectsWrongKeyAndTampering(t *testing.T) {
	c1, err := New("key-one")
	require.NoError(t, err)
	c2, err := New("key-two")
	require.NoError(t, err)

	sealed, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(sealed)
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	tampered := sealed[:len(sealed)-2] + "zz"
	_, err = c1.Decrypt(tampered)
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = c1.Decrypt("enc:v1:!!!not-base64!!!")
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestLoadOrCreateKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "cipher.key")

	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
