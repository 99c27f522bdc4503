// Package chunkproc implements the ChunkProcessor (spec.md §4.1,
// component C1): per-chunk hashing, key derivation, AES-256-GCM
// encryption, and push to the object store.
package chunkproc

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/witnessprotocol/core/internal/crypto"
	werrors "github.com/witnessprotocol/core/internal/errors"
	"github.com/witnessprotocol/core/internal/objectstore"
)

// Artifacts is the result of processing one chunk, per spec.md §4.1.
type Artifacts struct {
	ObjectLocator string
	PlaintextHash [32]byte
	EncryptedHash [32]byte
	IV            [12]byte
	SizeBytes     int
	CapturedAt    int64 // millis
	ChunkIndex    uint32
}

// Processor is stateful only in caching the session key bytes, per
// spec.md §4.1's "pure, stateful only in caching" contract.
type Processor struct {
	sessionKey []byte
	hkdfSalt   string
	store      objectstore.Store
}

// New returns a Processor bound to one session's key and object store.
// hkdfSalt defaults to crypto.DefaultChunkHKDFSalt when empty.
func New(sessionKey []byte, hkdfSalt string, store objectstore.Store) (*Processor, error) {
	if len(sessionKey) != crypto.KeySize {
		return nil, fmt.Errorf("%w: session key must be %d bytes", werrors.ErrInvalidArgument, crypto.KeySize)
	}
	if hkdfSalt == "" {
		hkdfSalt = crypto.DefaultChunkHKDFSalt
	}
	return &Processor{sessionKey: sessionKey, hkdfSalt: hkdfSalt, store: store}, nil
}

// ProcessChunk implements spec.md §4.1's processChunk operation.
func (p *Processor) ProcessChunk(ctx context.Context, rawBytes []byte, chunkIndex uint32, capturedAtMillis int64) (*Artifacts, error) {
	plaintextHash := sha256.Sum256(rawBytes)

	chunkKey, err := crypto.DeriveChunkKey(p.sessionKey, chunkIndex, p.hkdfSalt)
	if err != nil {
		return nil, err
	}
	ivBytes, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}
	var iv [12]byte
	copy(iv[:], ivBytes)

	ciphertext, err := crypto.Seal(chunkKey, ivBytes, rawBytes)
	if err != nil {
		return nil, err
	}
	encryptedHash := sha256.Sum256(ciphertext)

	locator, err := p.store.Put(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", werrors.ErrObjectStoreFailure, err)
	}

	return &Artifacts{
		ObjectLocator: locator,
		PlaintextHash: plaintextHash,
		EncryptedHash: encryptedHash,
		IV:            iv,
		SizeBytes:     len(rawBytes),
		CapturedAt:    capturedAtMillis,
		ChunkIndex:    chunkIndex,
	}, nil
}

// DecryptChunk implements spec.md §4.1's decryptChunk operation: the
// inverse of ProcessChunk's encryption step, using the same
// derivation so identical (sessionKey, chunkIndex) recovers the key.
func (p *Processor) DecryptChunk(ciphertext []byte, iv [12]byte, chunkIndex uint32) ([]byte, error) {
	chunkKey, err := crypto.DeriveChunkKey(p.sessionKey, chunkIndex, p.hkdfSalt)
	if err != nil {
		return nil, err
	}
	return crypto.Open(chunkKey, iv[:], ciphertext)
}

// DeriveChunkKey exposes the key derivation for callers (e.g. the
// verification path) that already hold a session key and don't need a
// full Processor bound to an object store.
func DeriveChunkKey(sessionKey []byte, chunkIndex uint32, hkdfSalt string) ([]byte, error) {
	if hkdfSalt == "" {
		hkdfSalt = crypto.DefaultChunkHKDFSalt
	}
	return crypto.DeriveChunkKey(sessionKey, chunkIndex, hkdfSalt)
}
