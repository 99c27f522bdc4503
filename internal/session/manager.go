package session

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/witnessprotocol/core/internal/anchorlog"
	"github.com/witnessprotocol/core/internal/chunkproc"
	"github.com/witnessprotocol/core/internal/crypto"
	werrors "github.com/witnessprotocol/core/internal/errors"
	"github.com/witnessprotocol/core/internal/manifest"
	"github.com/witnessprotocol/core/internal/merkle"
	"github.com/witnessprotocol/core/internal/objectstore"
	"github.com/witnessprotocol/core/internal/queue"
	"github.com/witnessprotocol/core/internal/store"
)

// DefaultQuotaWarnFraction/DefaultQuotaRejectFraction are spec.md §5's
// storageLow/storageCritical thresholds.
const (
	DefaultQuotaWarnFraction   = 0.80
	DefaultQuotaRejectFraction = 0.95
)

// runtimeSession is the in-process state for one active session:
// everything ProcessChunk needs that is too hot-path to round-trip
// through the durable store on every call.
type runtimeSession struct {
	mu         sync.Mutex
	sessionKey []byte
	signer     ed25519.PrivateKey
	groupSet   []string
	tree       *merkle.Tree
	manifest   *manifest.Manager
	processor  *chunkproc.Processor
	nextIndex  uint32
}

// Manager implements the SessionManager (spec.md §4.6, component C6):
// orchestrates ChunkProcessor, MerkleTree, ManifestManager, UploadQueue
// and the anchor log for every active session. Grounded on the
// teacher's service.TransferService orchestration shape, generalized
// from a one-shot transfer to a long-lived, incrementally-anchored
// capture session.
type Manager struct {
	store        store.Store
	objectStore  objectstore.Store
	anchorLog    anchorlog.Log
	queue        *queue.Queue
	publisher    *EventPublisher
	groupSecrets crypto.GroupSecrets

	warnFraction   float64
	rejectFraction float64
	hkdfSalt       string

	mu       sync.Mutex
	runtimes map[string]*runtimeSession
}

// New constructs a SessionManager. The caller starts q's worker
// separately (Start) with the Processor this Manager builds via
// UploadProcessor, so lifecycle ownership of the queue stays explicit.
func New(st store.Store, objStore objectstore.Store, log anchorlog.Log, q *queue.Queue, publisher *EventPublisher, groupSecrets crypto.GroupSecrets) *Manager {
	return &Manager{
		store:          st,
		objectStore:    objStore,
		anchorLog:      log,
		queue:          q,
		publisher:      publisher,
		groupSecrets:   groupSecrets,
		warnFraction:   DefaultQuotaWarnFraction,
		rejectFraction: DefaultQuotaRejectFraction,
		runtimes:       make(map[string]*runtimeSession),
	}
}

// WithHKDFSalt overrides the chunk-key derivation salt (spec.md §6's
// hkdfSalt) from its "witness-chunk" default; returns m for chaining.
func (m *Manager) WithHKDFSalt(salt string) *Manager {
	m.hkdfSalt = salt
	return m
}

// WithQuotaThresholds overrides the warn/reject fractions (spec.md §6's
// quotaWarnFraction/quotaRejectFraction) from their §5 defaults.
func (m *Manager) WithQuotaThresholds(warnFraction, rejectFraction float64) *Manager {
	m.warnFraction = warnFraction
	m.rejectFraction = rejectFraction
	return m
}

// UploadProcessor returns the queue.Processor this Manager wants its
// caller to pass to queue.Start. Decoupling construction from wiring
// keeps Manager ignorant of the queue's polling loop.
func (m *Manager) UploadProcessor() queue.Processor {
	return m.retryChunk
}

// StartSession implements spec.md §4.6's startSession: mint a session
// key, wrap it for every group in groupSet, and persist the new
// session record.
func (m *Manager) StartSession(ctx context.Context, creator string, groupSet []string, signer ed25519.PrivateKey) (Status, error) {
	if len(groupSet) == 0 {
		return Status{}, fmt.Errorf("%w: groupSet must not be empty", werrors.ErrInvalidArgument)
	}

	sessionID := uuid.NewString()
	sessionKey, err := crypto.RandomKey()
	if err != nil {
		return Status{}, err
	}

	accessList := make(map[string]store.WrappedKeyRecord, len(groupSet))
	manifestAccessList := make(map[string]manifest.AccessEntry, len(groupSet))
	for _, groupID := range groupSet {
		secret, ok := m.groupSecrets.Secret(groupID)
		if !ok {
			return Status{}, fmt.Errorf("%w: no secret registered for group %q", werrors.ErrNoAccess, groupID)
		}
		wrapped, err := crypto.WrapSessionKey(secret[:], sessionKey)
		if err != nil {
			return Status{}, err
		}
		accessList[groupID] = store.WrappedKeyRecord{WrappedKey: wrapped.Ciphertext, WrapIV: wrapped.Nonce}
		manifestAccessList[groupID] = manifest.AccessEntry{WrappedKey: hexString(wrapped.Ciphertext), IV: hexString(wrapped.Nonce)}
	}

	now := time.Now().UTC()
	sess := &store.Session{
		SessionID:      sessionID,
		Creator:        creator,
		GroupSet:       append([]string(nil), groupSet...),
		SessionKey:     sessionKey,
		AccessList:     accessList,
		Status:         store.SessionRecording,
		CreatedAt:      now,
		UpdatedAt:      now,
		NextChunkIndex: 0,
	}
	if err := m.store.PutSession(sess); err != nil {
		return Status{}, fmt.Errorf("%w: persist new session: %v", werrors.ErrObjectStoreFailure, err)
	}

	processor, err := chunkproc.New(sessionKey, m.hkdfSalt, m.objectStore)
	if err != nil {
		return Status{}, err
	}
	rs := &runtimeSession{
		sessionKey: sessionKey,
		signer:     signer,
		groupSet:   sess.GroupSet,
		tree:       merkle.New(),
		manifest:   manifest.NewManager(m.objectStore, sessionID, creator, manifest.NowMillis(now), manifestAccessList),
		processor:  processor,
	}
	m.mu.Lock()
	m.runtimes[sessionID] = rs
	m.mu.Unlock()

	quota, _ := m.store.Quota()
	return snapshotFromSession(sess, 0, store.Evaluate(quota, m.warnFraction, m.rejectFraction)), nil
}

func (m *Manager) runtime(sessionID string) (*runtimeSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runtimes[sessionID]
	return rs, ok
}

// ProcessChunk implements spec.md §4.6's processChunk: accept one raw
// chunk, assign it the session's next index, persist it durably
// (status=captured) before attempting any network I/O, then attempt
// the hash/encrypt/upload/anchor pipeline inline. A pipeline failure
// downgrades the record to failed and hands it to the UploadQueue for
// backoff-governed retry rather than blocking the caller — spec.md
// §4.4's "producer is never awaited" backpressure contract.
func (m *Manager) ProcessChunk(ctx context.Context, sessionID string, rawBytes []byte, capturedAtMillis int64) (*store.ChunkRecord, error) {
	if len(rawBytes) == 0 {
		return nil, nil
	}

	rs, ok := m.runtime(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: session %q is not active on this node", werrors.ErrInvalidArgument, sessionID)
	}

	quota, err := m.store.Quota()
	if err != nil {
		return nil, fmt.Errorf("%w: quota check: %v", werrors.ErrObjectStoreFailure, err)
	}
	level := store.Evaluate(quota, m.warnFraction, m.rejectFraction)
	if level == store.QuotaCritical {
		return nil, fmt.Errorf("%w: durable store at or above reject threshold", werrors.ErrQuotaExhausted)
	}
	if level == store.QuotaLow && m.publisher != nil {
		m.publisher.Publish(&Event{SessionID: sessionID, Type: EventQuotaLow, Message: "durable store above warn threshold"})
	}

	rs.mu.Lock()
	chunkIndex := rs.nextIndex
	rs.nextIndex++
	rs.mu.Unlock()

	capturedAt := time.UnixMilli(capturedAtMillis).UTC()
	rec := &store.ChunkRecord{
		SessionID:  sessionID,
		ChunkIndex: chunkIndex,
		Status:     store.ChunkCaptured,
		RawBlob:    append([]byte(nil), rawBytes...),
		SizeBytes:  len(rawBytes),
		CapturedAt: capturedAt,
	}
	if err := m.store.PutChunk(rec); err != nil {
		return nil, fmt.Errorf("%w: persist captured chunk: %v", werrors.ErrObjectStoreFailure, err)
	}
	if m.publisher != nil {
		m.publisher.Publish(&Event{SessionID: sessionID, Type: EventChunkAccepted, ChunkIndex: int(chunkIndex)})
	}

	if err := m.advanceChunk(ctx, sessionID, rs, rec); err != nil {
		rec.Status = store.ChunkFailed
		rec.LastError = err.Error()
		_ = m.store.PutChunk(rec)
		if err := m.queue.Enqueue(sessionID, chunkIndex); err != nil {
			return rec, fmt.Errorf("%w: enqueue retry: %v", werrors.ErrObjectStoreFailure, err)
		}
		if m.publisher != nil {
			m.publisher.Publish(&Event{SessionID: sessionID, Type: EventChunkFailed, ChunkIndex: int(chunkIndex), Message: err.Error()})
		}
		return rec, nil
	}
	return rec, nil
}

// advanceChunk resumes the hash/encrypt/upload/merkle/manifest/anchor
// pipeline for a single captured chunk already durable as rec, from
// wherever rec's persisted state says it left off. Shared between the
// inline fast path and the UploadQueue's retry path, so a retry after a
// partial failure must never redo work whose result is already
// durable: rec.ObjectLocator is only ever set once the object store
// upload succeeds, so its presence is the signal that uploadChunk is
// done and only anchorChunk's network calls need retrying.
func (m *Manager) advanceChunk(ctx context.Context, sessionID string, rs *runtimeSession, rec *store.ChunkRecord) error {
	if rec.ObjectLocator == "" {
		if err := m.uploadChunk(ctx, sessionID, rs, rec); err != nil {
			return err
		}
	}
	return m.anchorChunk(ctx, sessionID, rs, rec)
}

// uploadChunk runs the hash/encrypt/upload step and persists its
// result. Invariant C2 requires rec.RawBlob to survive until the chunk
// reaches `anchored`, not merely `uploaded`: an anchor-phase failure
// (spec.md §8 S2/S3) must be retryable by anchorChunk alone, without
// ever re-deriving hashes from data that's already been discarded.
func (m *Manager) uploadChunk(ctx context.Context, sessionID string, rs *runtimeSession, rec *store.ChunkRecord) error {
	artifacts, err := rs.processor.ProcessChunk(ctx, rec.RawBlob, rec.ChunkIndex, rec.CapturedAt.UnixMilli())
	if err != nil {
		return err
	}

	rec.PlaintextHash = artifacts.PlaintextHash
	rec.EncryptedHash = artifacts.EncryptedHash
	rec.IV = artifacts.IV
	rec.ObjectLocator = artifacts.ObjectLocator
	rec.Status = store.ChunkUploaded
	uploadedAt := time.Now().UTC()
	rec.UploadedAt = &uploadedAt
	if err := m.store.PutChunk(rec); err != nil {
		return fmt.Errorf("%w: persist uploaded chunk: %v", werrors.ErrObjectStoreFailure, err)
	}
	if m.publisher != nil {
		m.publisher.Publish(&Event{SessionID: sessionID, Type: EventChunkUploaded, ChunkIndex: int(rec.ChunkIndex)})
	}
	return nil
}

// anchorChunk commits rec's leaf into the session's Merkle tree and
// manifest (skipping that step if a prior attempt already got it in —
// rs.tree.Len() is the count of chunks committed so far, and commits
// happen strictly in index order), then uploads the manifest and
// writes the anchor log entry. Both of those are plain network calls
// and safe to retry as many times as the UploadQueue needs.
func (m *Manager) anchorChunk(ctx context.Context, sessionID string, rs *runtimeSession, rec *store.ChunkRecord) error {
	rs.mu.Lock()
	if int(rec.ChunkIndex) >= rs.tree.Len() {
		leaf := merkle.LeafHash(rec.ChunkIndex, rec.PlaintextHash, rec.EncryptedHash, uint64(rec.CapturedAt.UnixMilli()))
		rs.tree.Insert(leaf)
		if err := rs.manifest.AddChunk(manifest.ChunkDescriptor{
			Index:         int(rec.ChunkIndex),
			ObjectLocator: rec.ObjectLocator,
			SizeBytes:     rec.SizeBytes,
			PlaintextHash: hexString(rec.PlaintextHash[:]),
			EncryptedHash: hexString(rec.EncryptedHash[:]),
			IV:            hexString(rec.IV[:]),
			CapturedAt:    rec.CapturedAt.UnixMilli(),
			UploadedAt:    rec.UploadedAt.UnixMilli(),
		}); err != nil {
			rs.mu.Unlock()
			return err
		}
		leaf := merkle.LeafHash(rec.ChunkIndex, rec.PlaintextHash, rec.EncryptedHash, uint64(rec.CapturedAt.UnixMilli()))
		rs.tree.Insert(leaf)
	}
	root, _ := rs.tree.GetRoot()
	chunkCount := rs.tree.Len()
	signer := rs.signer
	groupSet := append([]string(nil), rs.groupSet...)
	rs.manifest.SetMerkleRoot(hexString(root[:]))
	rs.mu.Unlock()

	manifestLocator, err := rs.manifest.Upload(ctx, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if _, err := m.anchorLog.UpdateSession(sessionID, root, manifestLocator, uint32(chunkCount), groupSet, signer); err != nil {
		return err
	}

	rec.Status = store.ChunkAnchored
	confirmedAt := time.Now().UTC()
	rec.ConfirmedAt = &confirmedAt
	// Only now, with the chunk durably anchored, is it safe to drop the
	// raw/encrypted bytes (invariant C2): everything a future retry or
	// verification pass needs is captured in the hashes/locator already
	// persisted by uploadChunk.
	rec.RawBlob = nil
	rec.EncryptedBlob = nil
	if err := m.store.PutChunk(rec); err != nil {
		return fmt.Errorf("%w: persist anchored chunk: %v", werrors.ErrObjectStoreFailure, err)
	}
	if m.publisher != nil {
		m.publisher.Publish(&Event{SessionID: sessionID, Type: EventChunkAnchored, ChunkIndex: int(rec.ChunkIndex)})
	}

	sessRecord, ok, err := m.store.GetSession(sessionID)
	if err == nil && ok {
		sessRecord.NextChunkIndex = rec.ChunkIndex + 1
		sessRecord.LatestRoot = root[:]
		sessRecord.LatestManifestLocator = manifestLocator
		sessRecord.UpdatedAt = time.Now().UTC()
		_ = m.store.PutSession(sessRecord)
	}
	return nil
}

// retryChunk is the queue.Processor the UploadQueue drives: reload the
// chunk record and re-run whatever remains of the pipeline.
func (m *Manager) retryChunk(ctx context.Context, item queue.Item) error {
	rec, ok, err := m.store.GetChunk(item.SessionID, item.ChunkIndex)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: chunk %s/%d missing from durable store", werrors.ErrCorruption, item.SessionID, item.ChunkIndex)
	}
	if rec.Status == store.ChunkAnchored || rec.Status == store.ChunkPruned {
		return nil
	}
	rs, ok := m.runtime(item.SessionID)
	if !ok {
		return fmt.Errorf("%w: session %q is not active on this node", werrors.ErrInvalidArgument, item.SessionID)
	}
	return m.advanceChunk(ctx, item.SessionID, rs, rec)
}

// EndSession implements spec.md §4.6's endSession: mark the manifest
// complete, upload the final version, anchor it, and finalize the
// session record.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (Status, error) {
	rs, ok := m.runtime(sessionID)
	if !ok {
		return Status{}, fmt.Errorf("%w: session %q is not active on this node", werrors.ErrInvalidArgument, sessionID)
	}
	sess, ok, err := m.store.GetSession(sessionID)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, fmt.Errorf("%w: session %q not found", werrors.ErrInvalidArgument, sessionID)
	}

	rs.mu.Lock()
	rs.manifest.SetStatus(manifest.StatusComplete)
	root, hasRoot := rs.tree.GetRoot()
	chunkCount := rs.tree.Len()
	signer := rs.signer
	groupSet := append([]string(nil), rs.groupSet...)
	rs.mu.Unlock()

	manifestLocator, err := rs.manifest.Upload(ctx, time.Now().UnixMilli())
	if err != nil {
		return Status{}, err
	}
	if hasRoot {
		if _, err := m.anchorLog.UpdateSession(sessionID, root, manifestLocator, uint32(chunkCount), groupSet, signer); err != nil {
			return Status{}, err
		}
		sess.LatestRoot = root[:]
	}
	sess.Status = store.SessionFinalized
	sess.LatestManifestLocator = manifestLocator
	sess.UpdatedAt = time.Now().UTC()
	if err := m.store.PutSession(sess); err != nil {
		return Status{}, err
	}
	if m.publisher != nil {
		m.publisher.Publish(&Event{SessionID: sessionID, Type: EventFinalized})
	}

	m.mu.Lock()
	delete(m.runtimes, sessionID)
	m.mu.Unlock()

	quota, _ := m.store.Quota()
	return snapshotFromSession(sess, chunkCount, store.Evaluate(quota, m.warnFraction, m.rejectFraction)), nil
}

// MarkInterrupted implements spec.md §4.6's markInterrupted: the
// permanent-failure path resolved as "transition to interrupted"
// (SPEC_FULL.md §9 Open Question 1) rather than discarding the
// session's already-anchored prefix.
func (m *Manager) MarkInterrupted(sessionID string) (Status, error) {
	sess, ok, err := m.store.GetSession(sessionID)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, fmt.Errorf("%w: session %q not found", werrors.ErrInvalidArgument, sessionID)
	}
	sess.Status = store.SessionInterrupted
	sess.UpdatedAt = time.Now().UTC()
	if err := m.store.PutSession(sess); err != nil {
		return Status{}, err
	}
	if rs, ok := m.runtime(sessionID); ok {
		rs.mu.Lock()
		rs.manifest.SetStatus(manifest.StatusInterrupted)
		rs.mu.Unlock()
	}
	if m.publisher != nil {
		m.publisher.Publish(&Event{SessionID: sessionID, Type: EventInterrupted})
	}
	chunks, _ := m.store.ListChunks(sessionID)
	quota, _ := m.store.Quota()
	return snapshotFromSession(sess, len(chunks), store.Evaluate(quota, m.warnFraction, m.rejectFraction)), nil
}

// Status returns the current observable snapshot for one session, per
// spec.md §4.6's status() operation.
func (m *Manager) Status(sessionID string) (Status, error) {
	sess, ok, err := m.store.GetSession(sessionID)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, fmt.Errorf("%w: session %q not found", werrors.ErrInvalidArgument, sessionID)
	}
	chunks, err := m.store.ListChunks(sessionID)
	if err != nil {
		return Status{}, err
	}
	quota, err := m.store.Quota()
	if err != nil {
		return Status{}, err
	}
	return snapshotFromSession(sess, len(chunks), store.Evaluate(quota, m.warnFraction, m.rejectFraction)), nil
}

// Subscribe exposes the publisher's subscription API directly, per
// spec.md §4.6's "subscription API emits events on every state change".
func (m *Manager) Subscribe(sessionIDFilter string) *Subscription {
	if m.publisher == nil {
		m.publisher = NewEventPublisher(32)
	}
	return m.publisher.Subscribe(sessionIDFilter)
}

// Unsubscribe tears down a subscription returned by Subscribe.
func (m *Manager) Unsubscribe(subscriptionID string) {
	if m.publisher != nil {
		m.publisher.Unsubscribe(subscriptionID)
	}
}
