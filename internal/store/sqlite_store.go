package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	werrors "github.com/witnessprotocol/core/internal/errors"
)

const schemaVersion = 1

// SQLiteStore is the default durable chunk store, grounded on the
// teacher's manager.PersistentStore (pure-Go sqlite driver, pooled
// connections, schema_version table for migration).
type SQLiteStore struct {
	db         *sql.DB
	dbPath     string
	quotaBytes int64
}

// Open opens (creating and migrating if needed) a SQLite-backed store
// at dbPath. quotaBytes is the configured storage quota (spec.md §4.5).
func Open(dbPath string, quotaBytes int64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", werrors.ErrCorruption, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db, dbPath: dbPath, quotaBytes: quotaBytes}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	creator TEXT NOT NULL,
	group_set TEXT NOT NULL,
	session_key BLOB,
	access_list TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	next_chunk_index INTEGER NOT NULL,
	latest_root BLOB,
	latest_manifest_locator TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS chunks (
	session_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	status TEXT NOT NULL,
	raw_blob BLOB,
	encrypted_blob BLOB,
	plaintext_hash BLOB NOT NULL,
	encrypted_hash BLOB NOT NULL,
	iv BLOB NOT NULL,
	object_locator TEXT,
	size_bytes INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	captured_at INTEGER NOT NULL,
	uploaded_at INTEGER,
	confirmed_at INTEGER,
	retry_count INTEGER NOT NULL,
	last_error TEXT,
	PRIMARY KEY (session_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status);
`)
	if err != nil {
		return fmt.Errorf("%w: init schema: %v", werrors.ErrCorruption, err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("%w: read schema_version: %v", werrors.ErrCorruption, err)
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("%w: seed schema_version: %v", werrors.ErrCorruption, err)
		}
	}
	return nil
}

func (s *SQLiteStore) PutSession(sess *Session) error {
	groupSetJSON, err := json.Marshal(sess.GroupSet)
	if err != nil {
		return err
	}
	accessListJSON, err := json.Marshal(sess.AccessList)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
INSERT INTO sessions (session_id, creator, group_set, session_key, access_list, status, created_at, updated_at, next_chunk_index, latest_root, latest_manifest_locator)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	status = excluded.status,
	updated_at = excluded.updated_at,
	next_chunk_index = excluded.next_chunk_index,
	latest_root = excluded.latest_root,
	latest_manifest_locator = excluded.latest_manifest_locator,
	access_list = excluded.access_list
`,
		sess.SessionID, sess.Creator, string(groupSetJSON), sess.SessionKey, string(accessListJSON),
		string(sess.Status), sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
		sess.NextChunkIndex, sess.LatestRoot, sess.LatestManifestLocator,
	)
	if err != nil {
		return fmt.Errorf("%w: put session: %v", werrors.ErrCorruption, err)
	}
	return nil
}

func (s *SQLiteStore) scanSession(row interface {
	Scan(...interface{}) error
}) (*Session, error) {
	var sess Session
	var groupSetJSON, accessListJSON, status string
	var createdAt, updatedAt int64
	var latestRoot []byte
	var latestManifestLocator sql.NullString
	if err := row.Scan(&sess.SessionID, &sess.Creator, &groupSetJSON, &sess.SessionKey, &accessListJSON,
		&status, &createdAt, &updatedAt, &sess.NextChunkIndex, &latestRoot, &latestManifestLocator); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(groupSetJSON), &sess.GroupSet); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(accessListJSON), &sess.AccessList); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	sess.LatestRoot = latestRoot
	sess.LatestManifestLocator = latestManifestLocator.String
	return &sess, nil
}

func (s *SQLiteStore) GetSession(sessionID string) (*Session, bool, error) {
	row := s.db.QueryRow(`
SELECT session_id, creator, group_set, session_key, access_list, status, created_at, updated_at, next_chunk_index, latest_root, latest_manifest_locator
FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := s.scanSession(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get session: %v", werrors.ErrCorruption, err)
	}
	return sess, true, nil
}

func (s *SQLiteStore) ListSessions(status SessionStatus) ([]*Session, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(`SELECT session_id, creator, group_set, session_key, access_list, status, created_at, updated_at, next_chunk_index, latest_root, latest_manifest_locator FROM sessions`)
	} else {
		rows, err = s.db.Query(`SELECT session_id, creator, group_set, session_key, access_list, status, created_at, updated_at, next_chunk_index, latest_root, latest_manifest_locator FROM sessions WHERE status = ?`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", werrors.ErrCorruption, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", werrors.ErrCorruption, err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func (s *SQLiteStore) PutChunk(c *ChunkRecord) error {
	_, err := s.db.Exec(`
INSERT INTO chunks (session_id, chunk_index, status, raw_blob, encrypted_blob, plaintext_hash, encrypted_hash, iv, object_locator, size_bytes, duration_ms, captured_at, uploaded_at, confirmed_at, retry_count, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, chunk_index) DO UPDATE SET
	status = excluded.status,
	raw_blob = excluded.raw_blob,
	encrypted_blob = excluded.encrypted_blob,
	plaintext_hash = excluded.plaintext_hash,
	encrypted_hash = excluded.encrypted_hash,
	iv = excluded.iv,
	object_locator = excluded.object_locator,
	uploaded_at = excluded.uploaded_at,
	confirmed_at = excluded.confirmed_at,
	retry_count = excluded.retry_count,
	last_error = excluded.last_error
`,
		c.SessionID, c.ChunkIndex, string(c.Status), c.RawBlob, c.EncryptedBlob,
		c.PlaintextHash[:], c.EncryptedHash[:], c.IV[:], c.ObjectLocator,
		c.SizeBytes, c.DurationMs, c.CapturedAt.UnixMilli(),
		nullableTime(c.UploadedAt), nullableTime(c.ConfirmedAt), c.RetryCount, c.LastError,
	)
	if err != nil {
		return fmt.Errorf("%w: put chunk: %v", werrors.ErrCorruption, err)
	}
	return nil
}

func scanChunk(row interface {
	Scan(...interface{}) error
}) (*ChunkRecord, error) {
	var c ChunkRecord
	var status string
	var plaintextHash, encryptedHash, iv []byte
	var objectLocator sql.NullString
	var capturedAt int64
	var uploadedAt, confirmedAt sql.NullInt64
	var lastError sql.NullString

	if err := row.Scan(&c.SessionID, &c.ChunkIndex, &status, &c.RawBlob, &c.EncryptedBlob,
		&plaintextHash, &encryptedHash, &iv, &objectLocator, &c.SizeBytes, &c.DurationMs,
		&capturedAt, &uploadedAt, &confirmedAt, &c.RetryCount, &lastError); err != nil {
		return nil, err
	}
	c.Status = ChunkStatus(status)
	copy(c.PlaintextHash[:], plaintextHash)
	copy(c.EncryptedHash[:], encryptedHash)
	copy(c.IV[:], iv)
	c.ObjectLocator = objectLocator.String
	c.CapturedAt = time.UnixMilli(capturedAt)
	if uploadedAt.Valid {
		t := time.UnixMilli(uploadedAt.Int64)
		c.UploadedAt = &t
	}
	if confirmedAt.Valid {
		t := time.UnixMilli(confirmedAt.Int64)
		c.ConfirmedAt = &t
	}
	c.LastError = lastError.String
	return &c, nil
}

const chunkSelectCols = `session_id, chunk_index, status, raw_blob, encrypted_blob, plaintext_hash, encrypted_hash, iv, object_locator, size_bytes, duration_ms, captured_at, uploaded_at, confirmed_at, retry_count, last_error`

func (s *SQLiteStore) GetChunk(sessionID string, chunkIndex uint32) (*ChunkRecord, bool, error) {
	row := s.db.QueryRow(`SELECT `+chunkSelectCols+` FROM chunks WHERE session_id = ? AND chunk_index = ?`, sessionID, chunkIndex)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get chunk: %v", werrors.ErrCorruption, err)
	}
	return c, true, nil
}

func (s *SQLiteStore) ListChunks(sessionID string) ([]*ChunkRecord, error) {
	rows, err := s.db.Query(`SELECT `+chunkSelectCols+` FROM chunks WHERE session_id = ? ORDER BY chunk_index ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list chunks: %v", werrors.ErrCorruption, err)
	}
	defer rows.Close()

	var out []*ChunkRecord
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan chunk: %v", werrors.ErrCorruption, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClearBlobs(sessionID string, chunkIndex uint32) error {
	_, err := s.db.Exec(`UPDATE chunks SET raw_blob = NULL, encrypted_blob = NULL WHERE session_id = ? AND chunk_index = ?`, sessionID, chunkIndex)
	if err != nil {
		return fmt.Errorf("%w: clear blobs: %v", werrors.ErrCorruption, err)
	}
	return nil
}

// Quota reports {usedBytes, quotaBytes} per spec.md §4.5: usedBytes is
// the on-disk size of the SQLite file itself, a direct proxy for the
// store's footprint (raw/encrypted blobs dominate it before pruning).
func (s *SQLiteStore) Quota() (QuotaStatus, error) {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return QuotaStatus{UsedBytes: 0, QuotaBytes: s.quotaBytes}, nil
		}
		return QuotaStatus{}, fmt.Errorf("%w: stat db file: %v", werrors.ErrCorruption, err)
	}
	return QuotaStatus{UsedBytes: info.Size(), QuotaBytes: s.quotaBytes}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
