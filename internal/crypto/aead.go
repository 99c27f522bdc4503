package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	werrors "github.com/witnessprotocol/core/internal/errors"
)

// Seal encrypts plaintext with AES-256-GCM under key/nonce, with no
// additional authenticated data (spec.md §4.1: aad=∅).
func Seal(key, nonce, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", werrors.ErrCryptoFailure, KeySize, len(key))
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", werrors.ErrCryptoFailure, NonceSize, len(nonce))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", werrors.ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", werrors.ErrCryptoFailure, err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext with AES-256-GCM under key/nonce. Returns
// ErrCryptoFailure (wrapping the GCM tag-mismatch error) on tamper.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", werrors.ErrCryptoFailure, KeySize, len(key))
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", werrors.ErrCryptoFailure, NonceSize, len(nonce))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", werrors.ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", werrors.ErrCryptoFailure, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed: %v", werrors.ErrCryptoFailure, err)
	}
	return plaintext, nil
}

// RandomNonce returns a fresh CSPRNG-generated 12-byte nonce. Chunk
// IVs are never derived — spec.md §4.1 requires them random and
// manifest-stored, not reconstructable from a counter.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: random source failure: %v", werrors.ErrCryptoFailure, err)
	}
	return nonce, nil
}

// RandomKey returns a fresh 256-bit AEAD key, used for session keys.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: random source failure: %v", werrors.ErrCryptoFailure, err)
	}
	return key, nil
}
