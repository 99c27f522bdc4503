package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	werrors "github.com/witnessprotocol/core/internal/errors"
)

// DefaultChunkHKDFSalt is spec.md §6's hkdfSalt default.
const DefaultChunkHKDFSalt = "witness-chunk"

// DeriveChunkKey derives the per-chunk AEAD key from the session key
// via HKDF-SHA256, per spec.md §4.1:
//
//	chunkKey = HKDF-SHA256(ikm=sessionKey, salt=hkdfSalt, info=u32_be(chunkIndex), L=32)
//
// Identical (sessionKey, chunkIndex, salt) always yields the identical
// key — required for decryptChunk to invert processChunk exactly.
func DeriveChunkKey(sessionKey []byte, chunkIndex uint32, salt string) ([]byte, error) {
	if len(sessionKey) != KeySize {
		return nil, fmt.Errorf("%w: session key must be %d bytes, got %d", werrors.ErrCryptoFailure, KeySize, len(sessionKey))
	}
	info := make([]byte, 4)
	binary.BigEndian.PutUint32(info, chunkIndex)

	r := hkdf.New(sha256.New, sessionKey, []byte(salt), info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf expansion failed: %v", werrors.ErrCryptoFailure, err)
	}
	return key, nil
}
