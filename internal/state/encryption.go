package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

// EncryptionKeyEnvVar names the environment variable holding the state
// encryption passphrase. When unset, state is stored in plaintext.
const EncryptionKeyEnvVar = "STACKFORM_STATE_ENCRYPTION_KEY"

// Encrypted state files start with this line so plaintext and ciphertext
// can be told apart without a decryption attempt.
const encryptedHeader = "# STACKFORM_ENCRYPTED_STATE\n"

// EncryptState seals the serialized state with AES-256-GCM under the key
// derived from the environment. Without a configured key the content passes
// through untouched. The nonce is fresh per call, so identical states
// produce different ciphertexts.
func EncryptState(content []byte) ([]byte, error) {
	key := encryptionKey()
	if key == nil {
		return content, nil
	}

	aead, err := stateCipher(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, content, nil)
	return []byte(encryptedHeader + base64.StdEncoding.EncodeToString(sealed) + "\n"), nil
}

// DecryptState opens header-tagged ciphertext back into the serialized
// state. Plaintext input passes through, so readers handle both encrypted
// and unencrypted state files with the same call.
func DecryptState(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}

	key := encryptionKey()
	if key == nil {
		return nil, fmt.Errorf("state file is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := strings.TrimSpace(strings.TrimPrefix(string(content), encryptedHeader))
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}

	aead, err := stateCipher(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("encrypted state is truncated")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plain, nil
}

// IsEncrypted reports whether content carries the encrypted state header.
func IsEncrypted(content []byte) bool {
	return strings.HasPrefix(string(content), encryptedHeader)
}

func stateCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// encryptionKey derives the AES-256 key from the passphrase in the
// environment, or nil when none is configured. Hashing the passphrase
// gives a full-length key for input of any size.
func encryptionKey() []byte {
	pass := os.Getenv(EncryptionKeyEnvVar)
	if pass == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(pass))
	return sum[:]
}
