package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/hkdf"
)

const (
	// PublicKeySize is the length of a raw X25519 public key.
	PublicKeySize = 32

	hkdfSalt = "luminaguard-mesh-v1"
	hkdfInfo = "mesh-channel-key"
)

var (
	// ErrInvalidKey indicates a peer public key that is not a usable X25519 point.
	ErrInvalidKey = errors.New("crypto: invalid peer public key")
	// ErrAuthenticationFailed indicates a tampered, truncated or wrong-key ciphertext.
	ErrAuthenticationFailed = errors.New("crypto: message authentication failed")
)

var x25519Curve = ecdh.X25519()

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// KeyManager owns the local X25519 identity and the per-peer channel keys
// derived from it. It is safe for concurrent use.
type KeyManager struct {
	privateKey *ecdh.PrivateKey
	publicKey  [PublicKeySize]byte

	// peer public key bytes -> derived channel key
	secrets *cache.Cache
}

// NewKeyManager generates a fresh identity. Nothing is persisted.
func NewKeyManager() (*KeyManager, error) {
	privateKey, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	return NewKeyManagerFromPrivateKey(privateKey), nil
}

// NewKeyManagerFromPrivateKey wraps an existing X25519 private key.
func NewKeyManagerFromPrivateKey(privateKey *ecdh.PrivateKey) *KeyManager {
	km := &KeyManager{
		privateKey: privateKey,
		secrets:    cache.New(cache.NoExpiration, 0),
	}
	copy(km.publicKey[:], privateKey.PublicKey().Bytes())
	return km
}

// PublicKeyBytes returns the local raw public key.
func (km *KeyManager) PublicKeyBytes() [PublicKeySize]byte {
	return km.publicKey
}

// DeriveSharedSecret runs X25519 with the peer key and expands the result
// with HKDF-SHA256 into a 32-byte channel key. Results are memoized per peer key.
func (km *KeyManager) DeriveSharedSecret(peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes want %d", ErrInvalidKey, len(peerPublicKey), PublicKeySize)
	}

	cacheKey := string(peerPublicKey)
	if cached, ok := km.secrets.Get(cacheKey); ok {
		return cached.([]byte), nil
	}

	peerKey, err := x25519Curve.NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	// ECDH rejects low-order points that yield an all-zero secret.
	shared, err := km.privateKey.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	channelKey := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, shared, []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, channelKey); err != nil {
		return nil, fmt.Errorf("derive channel key: %w", err)
	}

	km.secrets.Set(cacheKey, channelKey, cache.NoExpiration)
	return channelKey, nil
}

// Encrypt seals plaintext for the holder of peerPublicKey.
func (km *KeyManager) Encrypt(peerPublicKey, plaintext []byte) ([]byte, error) {
	key, err := km.DeriveSharedSecret(peerPublicKey)
	if err != nil {
		return nil, err
	}
	return Seal(key, plaintext)
}

// Decrypt opens a blob produced by the holder of peerPublicKey.
// Any integrity failure is reported as ErrAuthenticationFailed.
func (km *KeyManager) Decrypt(peerPublicKey, blob []byte) ([]byte, error) {
	key, err := km.DeriveSharedSecret(peerPublicKey)
	if err != nil {
		return nil, err
	}
	return Open(key, blob)
}

// CachedPeers reports how many peer channel keys are memoized.
func (km *KeyManager) CachedPeers() int {
	return km.secrets.ItemCount()
}
