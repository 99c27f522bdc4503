// Package crypto implements the Witness Protocol core's cryptographic
// primitives: per-chunk AEAD, HKDF-based chunk-key and group-wrap key
// derivation, and a reference group-secret keystore.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	// KeySize is the AES-256-GCM key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes (spec.md §6: aeadNonceBytes).
	NonceSize = 12
)

// ComputeFingerprint returns a stable, human-displayable identifier for
// a public key or secret, used in logs and creator-identity display.
func ComputeFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return "SHA256:" + hex.EncodeToString(sum[:])
}
