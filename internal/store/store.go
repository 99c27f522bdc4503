// Package store implements the durable chunk store (spec.md §4.5,
// component C5): two logical collections, sessions and chunks, plus a
// quota monitor. Grounded on the teacher's manager.PersistentStore
// (database/sql + modernc.org/sqlite, schema_version table).
package store

import (
	"time"
)

// SessionStatus mirrors spec.md §3's Session.status.
type SessionStatus string

const (
	SessionRecording   SessionStatus = "recording"
	SessionFinalized   SessionStatus = "finalized"
	SessionInterrupted SessionStatus = "interrupted"
)

// ChunkStatus is the total order from spec.md §3, plus the terminal
// "failed" state. Tagged-variant in spirit: callers branch on Status
// and the fields that are meaningful at each state.
type ChunkStatus string

const (
	ChunkCaptured  ChunkStatus = "captured"
	ChunkHashed    ChunkStatus = "hashed"
	ChunkEncrypted ChunkStatus = "encrypted"
	ChunkStaged    ChunkStatus = "staged"
	ChunkUploaded  ChunkStatus = "uploaded"
	ChunkAnchored  ChunkStatus = "anchored"
	ChunkPruned    ChunkStatus = "pruned"
	ChunkFailed    ChunkStatus = "failed"
)

// statusOrder gives each non-terminal status a rank so monotonicity
// (testable property 8) can be checked mechanically.
var statusOrder = map[ChunkStatus]int{
	ChunkCaptured:  0,
	ChunkHashed:    1,
	ChunkEncrypted: 2,
	ChunkStaged:    3,
	ChunkUploaded:  4,
	ChunkAnchored:  5,
	ChunkPruned:    6,
}

// IsMonotoneTransition reports whether moving from `from` to `to` does
// not move backwards in the total order (spec.md T8). `failed` is
// reachable from any non-terminal status and is otherwise excluded
// from the order.
func IsMonotoneTransition(from, to ChunkStatus) bool {
	if to == ChunkFailed {
		return from != ChunkAnchored && from != ChunkPruned
	}
	fromRank, fromOK := statusOrder[from]
	toRank, toOK := statusOrder[to]
	if !fromOK || !toOK {
		return false
	}
	return toRank >= fromRank
}

// Session is the durable record for spec.md §3's Session.
type Session struct {
	SessionID             string
	Creator               string
	GroupSet              []string
	SessionKey            []byte // 32 bytes, process-memory only in practice; persisted here for recovery within a trusted local store
	AccessList            map[string]WrappedKeyRecord
	Status                SessionStatus
	CreatedAt             time.Time
	UpdatedAt             time.Time
	NextChunkIndex        uint32
	LatestRoot            []byte // nil if never anchored
	LatestManifestLocator string
}

// WrappedKeyRecord is the persisted form of one accessList entry.
type WrappedKeyRecord struct {
	WrappedKey []byte
	WrapIV     []byte
}

// ChunkRecord is the durable record for spec.md §3's ChunkRecord.
type ChunkRecord struct {
	SessionID     string
	ChunkIndex    uint32
	Status        ChunkStatus
	RawBlob       []byte // nil once status >= anchored
	EncryptedBlob []byte // nil once status >= anchored
	PlaintextHash [32]byte
	EncryptedHash [32]byte
	IV            [12]byte
	ObjectLocator string
	SizeBytes     int
	DurationMs    int64
	CapturedAt    time.Time
	UploadedAt    *time.Time
	ConfirmedAt   *time.Time
	RetryCount    uint32
	LastError     string
}

// QuotaStatus reports the durable store's space usage (spec.md §4.5).
type QuotaStatus struct {
	UsedBytes  int64
	QuotaBytes int64
}

// Fraction returns UsedBytes/QuotaBytes, or 0 if QuotaBytes is 0.
func (q QuotaStatus) Fraction() float64 {
	if q.QuotaBytes == 0 {
		return 0
	}
	return float64(q.UsedBytes) / float64(q.QuotaBytes)
}

// Store is the durable chunk store's contract. Implementations must
// make writes to a single ChunkRecord's hashes/IV/status/locator
// atomic with respect to concurrent readers (spec.md §4.5).
type Store interface {
	PutSession(s *Session) error
	GetSession(sessionID string) (*Session, bool, error)
	ListSessions(status SessionStatus) ([]*Session, error)

	PutChunk(c *ChunkRecord) error
	GetChunk(sessionID string, chunkIndex uint32) (*ChunkRecord, bool, error)
	ListChunks(sessionID string) ([]*ChunkRecord, error)
	// ClearBlobs nulls RawBlob/EncryptedBlob without touching other
	// fields (spec.md §4.5: "permit nulling them without rewriting
	// metadata").
	ClearBlobs(sessionID string, chunkIndex uint32) error

	Quota() (QuotaStatus, error)
	Close() error
}
