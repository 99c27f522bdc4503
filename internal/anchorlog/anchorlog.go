// Package anchorlog implements the authenticated anchor log
// collaborator (spec.md §3 AnchorEntry, §4.6, §6). The core's
// single-writer invariant (§5) is enforced here: a session's creator
// is bound on its first write and all later writes must be signed by
// the same key. BoltAnchorLog keeps only the latest signed entry per
// session: each accepted UpdateSession replaces the previous one.
package anchorlog

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	werrors "github.com/witnessprotocol/core/internal/errors"
)

var bucketAnchors = []byte("anchors")

// Entry mirrors spec.md §3's AnchorEntry tuple.
type Entry struct {
	SessionID       string
	Root            [32]byte
	ManifestLocator string
	ChunkCount      uint32
	GroupSet        []string
	Timestamp       time.Time
	Creator         ed25519.PublicKey
}

// canonicalPayload is what gets signed/verified. It includes the
// Timestamp (as Unix seconds) as part of the commitment, but never the
// signature itself.
type canonicalPayload struct {
	SessionID       string   `json:"session_id"`
	Root            string   `json:"root"`
	ManifestLocator string   `json:"manifest_locator"`
	ChunkCount      uint32   `json:"chunk_count"`
	GroupSet        []string `json:"group_set"`
	TimestampUnix   int64    `json:"timestamp_unix"`
}

func (e *Entry) canonical() ([]byte, error) {
	return json.Marshal(canonicalPayload{
		SessionID:       e.SessionID,
		Root:            hexEncode(e.Root[:]),
		ManifestLocator: e.ManifestLocator,
		ChunkCount:      e.ChunkCount,
		GroupSet:        e.GroupSet,
		TimestampUnix:   e.Timestamp.Unix(),
	})
}

// storedEntry is the envelope persisted in BoltDB: the entry plus its
// signature, so GetSession can re-verify on read.
type storedEntry struct {
	Entry     Entry
	Signature []byte
}

// Log is the anchor log collaborator contract from spec.md §4.6/§6.
type Log interface {
	// UpdateSession appends (or idempotently re-confirms, on equal
	// inputs) an anchor entry, signed by signer. Returns the appended
	// entry. Rejected with ErrAnchorLogFailure if signer is not the
	// session's bound creator.
	UpdateSession(sessionID string, root [32]byte, manifestLocator string, chunkCount uint32, groupSet []string, signer ed25519.PrivateKey) (*Entry, error)
	GetSession(sessionID string) (*Entry, bool, error)
	IsSessionInGroup(sessionID, groupID string) (bool, error)
}

// BoltAnchorLog is an embedded, single-writer-per-session
// implementation backed by BoltDB, grounded on the teacher's
// manager.BoltCAS bucket lifecycle.
type BoltAnchorLog struct {
	db *bolt.DB
}

// Open opens (creating if needed) the anchor log at path.
func Open(path string) (*BoltAnchorLog, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open anchor log: %v", werrors.ErrAnchorLogFailure, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketAnchors)
		return e
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init anchor bucket: %v", werrors.ErrAnchorLogFailure, err)
	}
	return &BoltAnchorLog{db: db}, nil
}

func (l *BoltAnchorLog) Close() error { return l.db.Close() }

func (l *BoltAnchorLog) UpdateSession(sessionID string, root [32]byte, manifestLocator string, chunkCount uint32, groupSet []string, signer ed25519.PrivateKey) (*Entry, error) {
	entry := &Entry{
		SessionID:       sessionID,
		Root:            root,
		ManifestLocator: manifestLocator,
		ChunkCount:      chunkCount,
		GroupSet:        groupSet,
		Timestamp:       time.Now().UTC(),
		Creator:         signer.Public().(ed25519.PublicKey),
	}

	payload, err := entry.canonical()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal anchor payload: %v", werrors.ErrAnchorLogFailure, err)
	}
	signature := ed25519.Sign(signer, payload)

	var result Entry
	err = l.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketAnchors)
		existingRaw := bk.Get([]byte(sessionID))
		if existingRaw != nil {
			var existing storedEntry
			if err := json.Unmarshal(existingRaw, &existing); err != nil {
				return fmt.Errorf("%w: decode existing anchor: %v", werrors.ErrCorruption, err)
			}
			if !existing.Entry.Creator.Equal(entry.Creator) {
				return fmt.Errorf("%w: session %s is bound to a different creator", werrors.ErrAnchorLogFailure, sessionID)
			}
		}

		stored := storedEntry{Entry: *entry, Signature: signature}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("%w: marshal anchor entry: %v", werrors.ErrAnchorLogFailure, err)
		}
		if err := bk.Put([]byte(sessionID), data); err != nil {
			return fmt.Errorf("%w: %v", werrors.ErrAnchorLogFailure, err)
		}
		result = *entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (l *BoltAnchorLog) GetSession(sessionID string) (*Entry, bool, error) {
	var found *Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketAnchors)
		raw := bk.Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		var stored storedEntry
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("%w: decode anchor entry: %v", werrors.ErrCorruption, err)
		}
		payload, err := stored.Entry.canonical()
		if err != nil {
			return fmt.Errorf("%w: re-marshal anchor entry: %v", werrors.ErrCorruption, err)
		}
		if !ed25519.Verify(stored.Entry.Creator, payload, stored.Signature) {
			return fmt.Errorf("%w: anchor entry signature invalid", werrors.ErrCorruption)
		}
		e := stored.Entry
		found = &e
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return found, found != nil, nil
}

func (l *BoltAnchorLog) IsSessionInGroup(sessionID, groupID string) (bool, error) {
	entry, ok, err := l.GetSession(sessionID)
	if err != nil || !ok {
		return false, err
	}
	for _, g := range entry.GroupSet {
		if g == groupID {
			return true, nil
		}
	}
	return false, nil
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
