// Package verify implements the retrieval/verification half of C7
// (spec.md §4.7): fetch a manifest, unwrap its session key for one
// group, check every chunk's ciphertext hash, recompute the Merkle
// root against both the manifest and the anchor log, decrypt, and
// concatenate. Grounded on the teacher's manager.MerkleVerifier
// (byte-comparison root check, Ed25519-signed result) extended with
// the fetch/decrypt steps a completed-transfer verifier doesn't need.
package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/witnessprotocol/core/internal/anchorlog"
	"github.com/witnessprotocol/core/internal/chunkproc"
	"github.com/witnessprotocol/core/internal/crypto"
	werrors "github.com/witnessprotocol/core/internal/errors"
	"github.com/witnessprotocol/core/internal/manifest"
	"github.com/witnessprotocol/core/internal/merkle"
	"github.com/witnessprotocol/core/internal/objectstore"
)

// ChunkResult reports one chunk's verification outcome.
type ChunkResult struct {
	Index               int
	CiphertextHashOK     bool
	PlaintextHashOK      bool // only meaningful if a plaintext hash was checked
	PlaintextHashChecked bool
	Plaintext            []byte
}

// Result is the full outcome of verifying one manifest, per spec.md
// §4.7's normative step list.
type Result struct {
	ContentID          string
	RootMatchesManifest bool
	RootMatchesAnchor   bool
	AnchorFound         bool
	Chunks              []ChunkResult
	Concatenated        []byte
}

// Verifier holds the external collaborators the verification path
// reads from; it never writes to any of them.
type Verifier struct {
	objectStore  objectstore.Store
	anchorLog    anchorlog.Log
	groupSecrets crypto.GroupSecrets
}

// New returns a Verifier over the given read paths.
func New(objectStore objectstore.Store, anchorLog anchorlog.Log, groupSecrets crypto.GroupSecrets) *Verifier {
	return &Verifier{objectStore: objectStore, anchorLog: anchorLog, groupSecrets: groupSecrets}
}

// Verify implements spec.md §4.7's retrieval/verification pipeline for
// the group groupID. Set checkPlaintextHashes to additionally verify
// each decrypted chunk's plaintext hash against the manifest (an
// optional step per spec.md, since it requires decrypting first).
func (v *Verifier) Verify(ctx context.Context, manifestLocator, groupID string, checkPlaintextHashes bool) (*Result, error) {
	// Step 1: fetch manifest.
	data, err := v.objectStore.Get(ctx, manifestLocator)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch manifest: %v", werrors.ErrObjectStoreFailure, err)
	}
	m, err := manifest.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	// Step 2: choose group, unwrap session key.
	entry, ok := m.AccessList[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group %q has no access list entry in manifest", werrors.ErrNoAccess, groupID)
	}
	groupSecret, ok := v.groupSecrets.Secret(groupID)
	if !ok {
		return nil, fmt.Errorf("%w: no secret registered for group %q", werrors.ErrNoAccess, groupID)
	}
	wrappedKey, iv, err := decodeWrapped(entry)
	if err != nil {
		return nil, err
	}
	sessionKey, err := crypto.UnwrapSessionKey(groupSecret[:], &crypto.WrappedKey{Ciphertext: wrappedKey, Nonce: iv})
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap session key: %v", werrors.ErrCryptoFailure, err)
	}

	result := &Result{ContentID: m.ContentID}
	ciphertexts := make([][]byte, len(m.Chunks))
	leaves := make([][32]byte, 0, len(m.Chunks))

	// Step 3: fetch every chunk's ciphertext and require its hash to
	// match the manifest before trusting anything derived from it.
	// Per spec.md §4.7, a mismatch here aborts verification outright
	// rather than merely being recorded and continued past.
	for i, desc := range m.Chunks {
		ciphertext, err := v.objectStore.Get(ctx, desc.ObjectLocator)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch chunk %d: %v", werrors.ErrObjectStoreFailure, desc.Index, err)
		}
		encryptedHash := sha256.Sum256(ciphertext)
		if hex.EncodeToString(encryptedHash[:]) != desc.EncryptedHash {
			return nil, fmt.Errorf("%w: chunk %d", werrors.ErrCiphertextHashMismatch, desc.Index)
		}
		ciphertexts[i] = ciphertext

		plaintextHash, err := decodeHash32(desc.PlaintextHash)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, merkle.LeafHash(uint32(desc.Index), plaintextHash, encryptedHash, uint64(desc.CapturedAt)))
	}

	// Step 4: recompute the Merkle root and require it to equal both
	// the manifest's root and the anchor log's root (two distinct
	// comparisons, per spec.md §4.7) before decrypting anything.
	computedRoot, hasRoot := merkle.ComputeRoot(leaves)
	result.RootMatchesManifest = hasRoot && hex.EncodeToString(computedRoot[:]) == m.MerkleRoot
	if !result.RootMatchesManifest {
		return nil, fmt.Errorf("%w: computed root does not match manifest", werrors.ErrMerkleRootMismatch)
	}
	anchorEntry, found, err := v.anchorLog.GetSession(m.ContentID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch anchor entry: %v", werrors.ErrAnchorLogFailure, err)
	}
	result.AnchorFound = found
	result.RootMatchesAnchor = found && bytes.Equal(computedRoot[:], anchorEntry.Root[:])
	if !result.RootMatchesAnchor {
		return nil, fmt.Errorf("%w: computed root does not match anchor log", werrors.ErrMerkleRootMismatch)
	}

	// Step 5: decrypt, optionally verifying each chunk's plaintext
	// hash. Only reached once every chunk's ciphertext and the Merkle
	// root have been verified above.
	chunkResults := make([]ChunkResult, 0, len(m.Chunks))
	var concatenated []byte
	for i, desc := range m.Chunks {
		cr := ChunkResult{Index: desc.Index, CiphertextHashOK: true}

		iv, err := decodeIV12(desc.IV)
		if err != nil {
			return nil, err
		}
		chunkKey, err := chunkproc.DeriveChunkKey(sessionKey, uint32(desc.Index), "")
		if err != nil {
			return nil, err
		}
		decrypted, err := crypto.Open(chunkKey, iv[:], ciphertexts[i])
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt chunk %d: %v", werrors.ErrCryptoFailure, desc.Index, err)
		}
		cr.Plaintext = decrypted
		if checkPlaintextHashes {
			cr.PlaintextHashChecked = true
			actual := sha256.Sum256(decrypted)
			cr.PlaintextHashOK = hex.EncodeToString(actual[:]) == desc.PlaintextHash
			if !cr.PlaintextHashOK {
				return nil, fmt.Errorf("%w: chunk %d", werrors.ErrPlaintextHashMismatch, desc.Index)
			}
		}
		concatenated = append(concatenated, decrypted...)
		chunkResults = append(chunkResults, cr)
	}

	result.Chunks = chunkResults
	result.Concatenated = concatenated
	return result, nil
}

func decodeWrapped(entry manifest.AccessEntry) (wrappedKey, iv []byte, err error) {
	wrappedKey, err = hex.DecodeString(entry.WrappedKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode wrapped key: %v", werrors.ErrCorruption, err)
	}
	iv, err = hex.DecodeString(entry.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode wrap iv: %v", werrors.ErrCorruption, err)
	}
	return wrappedKey, iv, nil
}

func decodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: expected 32-byte hex hash, got %q", werrors.ErrCorruption, s)
	}
	copy(out[:], b)
	return out, nil
}

func decodeIV12(s string) ([12]byte, error) {
	var out [12]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 12 {
		return out, fmt.Errorf("%w: expected 12-byte hex iv, got %q", werrors.ErrCorruption, s)
	}
	copy(out[:], b)
	return out, nil
}
