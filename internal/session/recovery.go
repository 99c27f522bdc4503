package session

import (
	"crypto/ed25519"
	"fmt"

	"github.com/witnessprotocol/core/internal/chunkproc"
	werrors "github.com/witnessprotocol/core/internal/errors"
	"github.com/witnessprotocol/core/internal/manifest"
	"github.com/witnessprotocol/core/internal/merkle"
	"github.com/witnessprotocol/core/internal/store"
)

// RecoveryOutcome is the per-session decision a Recover pass makes,
// per spec.md §4.7's "resume or discard" startup reconciliation.
type RecoveryOutcome struct {
	SessionID string
	Resumed   bool
	Reason    string
}

// Recover implements spec.md §4.7's startup reconciliation: for every
// session still in the "recording" state, rebuild its in-memory Merkle
// tree and manifest accumulator from durable chunk records so
// ProcessChunk/EndSession can continue as if the process never
// restarted. signers supplies the creator key for sessions this node
// can keep writing to the anchor log for; a session whose creator
// isn't available here is marked interrupted (SPEC_FULL.md §9 Open
// Question 1) rather than left to silently stall.
func (m *Manager) Recover(signers map[string]ed25519.PrivateKey) ([]RecoveryOutcome, error) {
	sessions, err := m.store.ListSessions(store.SessionRecording)
	if err != nil {
		return nil, fmt.Errorf("%w: list recording sessions: %v", werrors.ErrObjectStoreFailure, err)
	}

	var outcomes []RecoveryOutcome
	for _, sess := range sessions {
		signer, ok := signers[sess.Creator]
		if !ok {
			if _, err := m.MarkInterrupted(sess.SessionID); err != nil {
				return outcomes, fmt.Errorf("%w: mark %s interrupted: %v", werrors.ErrObjectStoreFailure, sess.SessionID, err)
			}
			outcomes = append(outcomes, RecoveryOutcome{SessionID: sess.SessionID, Resumed: false, Reason: "no signer available for creator " + sess.Creator})
			continue
		}

		rs, err := m.rebuildRuntime(sess, signer)
		if err != nil {
			return outcomes, fmt.Errorf("%w: rebuild runtime for %s: %v", werrors.ErrCorruption, sess.SessionID, err)
		}
		m.mu.Lock()
		m.runtimes[sess.SessionID] = rs
		m.mu.Unlock()

		// Any chunk left mid-pipeline (captured/hashed/encrypted/staged,
		// or a prior failed attempt) needs another pass through the
		// pipeline; re-enqueue it rather than waiting for a new
		// ProcessChunk call that may never come for that index again.
		chunks, err := m.store.ListChunks(sess.SessionID)
		if err != nil {
			return outcomes, fmt.Errorf("%w: list chunks for %s: %v", werrors.ErrObjectStoreFailure, sess.SessionID, err)
		}
		for _, c := range chunks {
			if c.Status != store.ChunkAnchored && c.Status != store.ChunkPruned {
				if err := m.queue.Enqueue(sess.SessionID, c.ChunkIndex); err != nil {
					return outcomes, fmt.Errorf("%w: re-enqueue chunk %d for %s: %v", werrors.ErrObjectStoreFailure, c.ChunkIndex, sess.SessionID, err)
				}
			}
		}

		outcomes = append(outcomes, RecoveryOutcome{SessionID: sess.SessionID, Resumed: true})
	}
	return outcomes, nil
}

// rebuildRuntime reconstructs a runtimeSession purely from durable
// records: the Merkle tree is rebuilt from every anchored-or-later
// chunk's leaf hash (spec.md §4.2's restore(leaves[])), and the
// manifest accumulator replays those same chunks' descriptors in index
// order.
func (m *Manager) rebuildRuntime(sess *store.Session, signer ed25519.PrivateKey) (*runtimeSession, error) {
	chunks, err := m.store.ListChunks(sess.SessionID)
	if err != nil {
		return nil, err
	}

	var leaves [][32]byte
	accessList := make(map[string]manifest.AccessEntry, len(sess.AccessList))
	for groupID, wrapped := range sess.AccessList {
		accessList[groupID] = manifest.AccessEntry{WrappedKey: hexString(wrapped.WrappedKey), IV: hexString(wrapped.WrapIV)}
	}
	mgr := manifest.NewManager(m.objectStore, sess.SessionID, sess.Creator, manifest.NowMillis(sess.CreatedAt), accessList)

	maxIndex := uint32(0)
	haveChunks := false
	for _, c := range orderedByIndex(chunks) {
		if c.Status == store.ChunkAnchored || c.Status == store.ChunkPruned {
			leaves = append(leaves, merkle.LeafHash(c.ChunkIndex, c.PlaintextHash, c.EncryptedHash, uint64(c.CapturedAt.UnixMilli())))
			if err := mgr.AddChunk(manifest.ChunkDescriptor{
				Index:         int(c.ChunkIndex),
				ObjectLocator: c.ObjectLocator,
				SizeBytes:     c.SizeBytes,
				PlaintextHash: hexString(c.PlaintextHash[:]),
				EncryptedHash: hexString(c.EncryptedHash[:]),
				IV:            hexString(c.IV[:]),
				CapturedAt:    c.CapturedAt.UnixMilli(),
			}); err != nil {
				return nil, err
			}
		}
		if c.ChunkIndex >= maxIndex {
			maxIndex = c.ChunkIndex
			haveChunks = true
		}
	}

	tree := merkle.Restore(leaves)
	if root, ok := tree.GetRoot(); ok {
		mgr.SetMerkleRoot(hexString(root[:]))
	}

	processor, err := chunkproc.New(sess.SessionKey, m.hkdfSalt, m.objectStore)
	if err != nil {
		return nil, err
	}

	nextIndex := uint32(0)
	if haveChunks {
		nextIndex = maxIndex + 1
	}
	return &runtimeSession{
		sessionKey: sess.SessionKey,
		signer:     signer,
		groupSet:   append([]string(nil), sess.GroupSet...),
		tree:       tree,
		manifest:   mgr,
		processor:  processor,
		nextIndex:  nextIndex,
	}, nil
}

func orderedByIndex(chunks []*store.ChunkRecord) []*store.ChunkRecord {
	out := append([]*store.ChunkRecord(nil), chunks...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ChunkIndex > out[j].ChunkIndex; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
