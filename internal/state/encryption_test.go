package state

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "super-secret-key")

	plain := []byte("version = 1\nserial = 4\n")
	encrypted, err := EncryptState(plain)
	require.NoError(t, err)

	assert.True(t, IsEncrypted(encrypted))
	assert.NotContains(t, string(encrypted), "serial = 4")

	decrypted, err := DecryptState(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plain, decrypted)
}

func TestEncryptWithoutKeyPassesThrough(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	plain := []byte("version = 1\n")
	out, err := EncryptState(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
	assert.False(t, IsEncrypted(out))
}

func TestDecryptPlaintextPassesThrough(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	plain := []byte("version = 1\n")
	out, err := DecryptState(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecryptWithoutKeyFails(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "some-key")
	encrypted, err := EncryptState([]byte("data"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "key-one")
	encrypted, err := EncryptState([]byte("data"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "key-two")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key")
}

func TestLongPassphrasesFullyDistinguished(t *testing.T) {
	long := strings.Repeat("a", 40)
	t.Setenv(EncryptionKeyEnvVar, long)
	encrypted, err := EncryptState([]byte("data"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, long+"-tail")
	_, err = DecryptState(encrypted)
	require.Error(t, err, "passphrases differing past 32 bytes derive different keys")
}

func TestEncryptionNonDeterministic(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "super-secret-key")

	a, err := EncryptState([]byte("data"))
	require.NoError(t, err)
	b, err := EncryptState([]byte("data"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "a fresh nonce is used per encryption")
}
