// Package manifest implements the ManifestManager (spec.md §4.3,
// component C3): accumulate chunk descriptors, hold the latest Merkle
// root and access list, serialize deterministically, upload, retain
// the locator. Grounded on the teacher's internal/chunker.Manifest
// struct shape, generalized from a one-shot transfer manifest to the
// spec's versioned, re-uploaded-per-chunk manifest.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	werrors "github.com/witnessprotocol/core/internal/errors"
	"github.com/witnessprotocol/core/internal/objectstore"
)

// Status mirrors spec.md §3's manifest status field.
type Status string

const (
	StatusRecording   Status = "recording"
	StatusComplete    Status = "complete"
	StatusInterrupted Status = "interrupted"
)

// ChunkDescriptor is one entry in the manifest's chunks list, per
// spec.md §3.
type ChunkDescriptor struct {
	Index         int    `json:"index"`
	ObjectLocator string `json:"objectLocator"`
	SizeBytes     int    `json:"sizeBytes"`
	DurationMs    int64  `json:"durationMs"`
	PlaintextHash string `json:"plaintextHash"` // lowercase hex, no 0x prefix
	EncryptedHash string `json:"encryptedHash"`
	IV            string `json:"iv"`
	CapturedAt    int64  `json:"capturedAt"` // millis
	UploadedAt    int64  `json:"uploadedAt"` // millis
}

// AccessEntry is one accessList value, per spec.md §3.
type AccessEntry struct {
	WrappedKey string `json:"wrappedKey"` // hex
	IV         string `json:"iv"`         // hex
}

// Encryption describes the manifest's fixed algorithm choice.
type Encryption struct {
	Algorithm     string `json:"algorithm"`
	KeyDerivation string `json:"keyDerivation"`
}

// Manifest is the versioned, content-addressed document from spec.md §3.
type Manifest struct {
	Version        int                    `json:"version"`
	ContentID      string                 `json:"contentId"`
	Creator        string                 `json:"creator"`
	CaptureStarted int64                  `json:"captureStarted"` // millis
	LastUpdated    int64                  `json:"lastUpdated"`    // millis
	Chunks         []ChunkDescriptor      `json:"chunks"`
	MerkleRoot     string                 `json:"merkleRoot"` // 32-byte hex
	Encryption     Encryption             `json:"encryption"`
	AccessList     map[string]AccessEntry `json:"accessList"`
	Status         Status                 `json:"status"`
}

// CurrentVersion is spec.md §6's manifestVersion default.
const CurrentVersion = 1

// sortedAccessListKeys returns accessList's keys sorted lexicographically
// — SPEC_FULL.md's resolution of the "canonical accessList key order"
// open question, since determinism requires one and nothing in
// spec.md specifies it.
func sortedAccessListKeys(accessList map[string]AccessEntry) []string {
	keys := make([]string, 0, len(accessList))
	for k := range accessList {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Marshal serializes m deterministically: identical field values
// always produce byte-identical output. encoding/json on a struct
// (not a map) already guarantees stable field ordering; the one place
// Go's map ordering is otherwise unspecified — accessList — is
// resolved by first re-expressing it as an explicitly ordered slice.
func Marshal(m *Manifest) ([]byte, error) {
	type orderedAccessEntry struct {
		GroupID    string `json:"groupId"`
		WrappedKey string `json:"wrappedKey"`
		IV         string `json:"iv"`
	}
	type wireManifest struct {
		Version        int                   `json:"version"`
		ContentID      string                `json:"contentId"`
		Creator        string                `json:"creator"`
		CaptureStarted int64                 `json:"captureStarted"`
		LastUpdated    int64                 `json:"lastUpdated"`
		Chunks         []ChunkDescriptor     `json:"chunks"`
		MerkleRoot     string                `json:"merkleRoot"`
		Encryption     Encryption            `json:"encryption"`
		AccessList     []orderedAccessEntry  `json:"accessList"`
		Status         Status                `json:"status"`
	}

	keys := sortedAccessListKeys(m.AccessList)
	wire := wireManifest{
		Version:        m.Version,
		ContentID:      m.ContentID,
		Creator:        m.Creator,
		CaptureStarted: m.CaptureStarted,
		LastUpdated:    m.LastUpdated,
		Chunks:         m.Chunks,
		MerkleRoot:     m.MerkleRoot,
		Encryption:     m.Encryption,
		Status:         m.Status,
	}
	for _, k := range keys {
		wire.AccessList = append(wire.AccessList, orderedAccessEntry{
			GroupID: k, WrappedKey: m.AccessList[k].WrappedKey, IV: m.AccessList[k].IV,
		})
	}
	return json.Marshal(wire)
}

// Unmarshal parses a manifest's wire bytes back into Manifest.
func Unmarshal(data []byte) (*Manifest, error) {
	var wire struct {
		Version        int               `json:"version"`
		ContentID      string            `json:"contentId"`
		Creator        string            `json:"creator"`
		CaptureStarted int64             `json:"captureStarted"`
		LastUpdated    int64             `json:"lastUpdated"`
		Chunks         []ChunkDescriptor `json:"chunks"`
		MerkleRoot     string            `json:"merkleRoot"`
		Encryption     Encryption        `json:"encryption"`
		AccessList     []struct {
			GroupID    string `json:"groupId"`
			WrappedKey string `json:"wrappedKey"`
			IV         string `json:"iv"`
		} `json:"accessList"`
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: unmarshal manifest: %v", werrors.ErrCorruption, err)
	}
	m := &Manifest{
		Version:        wire.Version,
		ContentID:      wire.ContentID,
		Creator:        wire.Creator,
		CaptureStarted: wire.CaptureStarted,
		LastUpdated:    wire.LastUpdated,
		Chunks:         wire.Chunks,
		MerkleRoot:     wire.MerkleRoot,
		Encryption:     wire.Encryption,
		Status:         wire.Status,
		AccessList:     make(map[string]AccessEntry, len(wire.AccessList)),
	}
	for _, e := range wire.AccessList {
		m.AccessList[e.GroupID] = AccessEntry{WrappedKey: e.WrappedKey, IV: e.IV}
	}
	return m, nil
}

// Manager accumulates chunk descriptors for one session and uploads
// each new manifest version, per spec.md §4.3.
type Manager struct {
	store          objectstore.Store
	contentID      string
	creator        string
	captureStarted int64
	accessList     map[string]AccessEntry

	chunks     []ChunkDescriptor
	merkleRoot string
	status     Status
	locator    string
}

// NewManager starts a manifest accumulator for one session.
func NewManager(store objectstore.Store, contentID, creator string, captureStarted int64, accessList map[string]AccessEntry) *Manager {
	return &Manager{
		store:          store,
		contentID:      contentID,
		creator:        creator,
		captureStarted: captureStarted,
		accessList:     accessList,
		status:         StatusRecording,
	}
}

// AddChunk appends a ChunkDescriptor in index order, per invariant M1.
func (m *Manager) AddChunk(desc ChunkDescriptor) error {
	if desc.Index != len(m.chunks) {
		return fmt.Errorf("%w: chunk descriptor index %d out of order, expected %d", werrors.ErrInvalidArgument, desc.Index, len(m.chunks))
	}
	m.chunks = append(m.chunks, desc)
	return nil
}

// SetMerkleRoot updates the manifest's current root (hex-encoded).
func (m *Manager) SetMerkleRoot(rootHex string) {
	m.merkleRoot = rootHex
}

// SetStatus transitions the manifest's status field.
func (m *Manager) SetStatus(status Status) {
	m.status = status
}

// Build produces the current manifest snapshot. lastUpdated is
// supplied by the caller (not time.Now()) so the manager stays a pure
// projection, per the Design Notes' "builder for manifest" guidance.
func (m *Manager) Build(lastUpdated int64) *Manifest {
	return &Manifest{
		Version:        CurrentVersion,
		ContentID:      m.contentID,
		Creator:        m.creator,
		CaptureStarted: m.captureStarted,
		LastUpdated:    lastUpdated,
		Chunks:         append([]ChunkDescriptor(nil), m.chunks...),
		MerkleRoot:     m.merkleRoot,
		Encryption:     Encryption{Algorithm: "aes-256-gcm", KeyDerivation: "hkdf-sha256"},
		AccessList:     m.accessList,
		Status:         m.status,
	}
}

// Upload serializes and uploads the current manifest snapshot,
// retaining and returning its locator. A marshal or upload failure
// returns an error wrapping ErrObjectStoreFailure; the caller (SessionManager) decides whether to retry inline or
// enqueue, per spec.md §4.3.
func (m *Manager) Upload(ctx context.Context, lastUpdated int64) (string, error) {
	snapshot := m.Build(lastUpdated)
	data, err := Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("%w: marshal manifest: %v", werrors.ErrObjectStoreFailure, err)
	}
	locator, err := m.store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("%w: upload manifest: %v", werrors.ErrObjectStoreFailure, err)
	}
	m.locator = locator
	return locator, nil
}

// Locator returns the last successfully uploaded manifest's locator.
func (m *Manager) Locator() string {
	return m.locator
}

// NowMillis is a small helper so callers pass wall-clock time
// explicitly rather than each reimplementing the conversion.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
