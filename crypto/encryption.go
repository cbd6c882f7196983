package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the symmetric channel key length.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the per-message nonce length prepended to every sealed blob.
	NonceSize = chacha20poly1305.NonceSize
	// Overhead is the authentication tag length appended by the AEAD.
	Overhead = chacha20poly1305.Overhead
)

// Seal encrypts plaintext with ChaCha20-Poly1305 under a fresh random nonce
// and returns nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid channel key length: got %d want %d", len(key), KeySize)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+Overhead)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open splits the leading nonce off blob and authenticates and decrypts the rest.
func Open(key, blob []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid channel key length: got %d want %d", len(key), KeySize)
	}
	if len(blob) < NonceSize+Overhead {
		return nil, ErrAuthenticationFailed
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
	}

	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}

	return plaintext, nil
}
