package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	werrors "github.com/witnessprotocol/core/internal/errors"
)

// Default group-key wrap derivation labels, spec.md §6.
const (
	DefaultGroupWrapHKDFSalt = "witness-protocol:group-key"
	DefaultGroupWrapHKDFInfo = "AES-256-GCM-group-wrapping"
)

// WrappedKey is a session key wrapped for one group's access list entry.
type WrappedKey struct {
	Ciphertext []byte // wrappedSessionKey
	Nonce      []byte // wrapIv
}

// deriveWrapKey turns a group's 32-byte secret into the AES-256-GCM
// key-wrapping key via HKDF-SHA256, per spec.md §3's accessList field.
func deriveWrapKey(groupSecret []byte, salt, info string) ([]byte, error) {
	if len(groupSecret) != KeySize {
		return nil, fmt.Errorf("%w: group secret must be %d bytes, got %d", werrors.ErrCryptoFailure, KeySize, len(groupSecret))
	}
	r := hkdf.New(sha256.New, groupSecret, []byte(salt), []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf expansion failed: %v", werrors.ErrCryptoFailure, err)
	}
	return key, nil
}

// WrapSessionKey wraps sessionKey under groupSecret for one accessList
// entry. The wrap IV is random per spec.md's randomness-source
// requirement (§6) — it is stored alongside the ciphertext, mirroring
// how chunk IVs are stored rather than derived.
func WrapSessionKey(groupSecret, sessionKey []byte) (*WrappedKey, error) {
	wrapKey, err := deriveWrapKey(groupSecret, DefaultGroupWrapHKDFSalt, DefaultGroupWrapHKDFInfo)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomNonce()
	if err != nil {
		return nil, err
	}
	ct, err := Seal(wrapKey, nonce, sessionKey)
	if err != nil {
		return nil, err
	}
	return &WrappedKey{Ciphertext: ct, Nonce: nonce}, nil
}

// UnwrapSessionKey recovers the session key from a WrappedKey using
// the same group secret and derivation, used on the verification path
// (spec.md §4.7 step 2).
func UnwrapSessionKey(groupSecret []byte, wrapped *WrappedKey) ([]byte, error) {
	wrapKey, err := deriveWrapKey(groupSecret, DefaultGroupWrapHKDFSalt, DefaultGroupWrapHKDFInfo)
	if err != nil {
		return nil, err
	}
	return Open(wrapKey, wrapped.Nonce, wrapped.Ciphertext)
}
