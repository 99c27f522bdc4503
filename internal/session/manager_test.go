package session

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/witnessprotocol/core/internal/anchorlog"
	witnesscrypto "github.com/witnessprotocol/core/internal/crypto"
	werrors "github.com/witnessprotocol/core/internal/errors"
	"github.com/witnessprotocol/core/internal/objectstore"
	"github.com/witnessprotocol/core/internal/queue"
	"github.com/witnessprotocol/core/internal/store"
)

// fakeGroupSecrets is a trivial in-memory GroupSecrets, standing in for
// crypto.GroupSecretStore in tests that don't exercise the on-disk
// envelope format.
type fakeGroupSecrets struct {
	secrets map[string][witnesscrypto.KeySize]byte
}

func (f *fakeGroupSecrets) Secret(groupID string) ([witnesscrypto.KeySize]byte, bool) {
	s, ok := f.secrets[groupID]
	return s, ok
}

func newTestManager(t *testing.T) (*Manager, *fakeGroupSecrets) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "chunks.db"), 1<<30)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	objStore, err := objectstore.NewLocalStore(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("open object store: %v", err)
	}

	anchor, err := anchorlog.Open(filepath.Join(dir, "anchors.db"))
	if err != nil {
		t.Fatalf("open anchor log: %v", err)
	}
	t.Cleanup(func() { anchor.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.db"), 3, time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Stop(); q.Close() })

	secret, err := witnesscrypto.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	var secretArr [witnesscrypto.KeySize]byte
	copy(secretArr[:], secret)
	secrets := &fakeGroupSecrets{secrets: map[string][witnesscrypto.KeySize]byte{"group-a": secretArr}}

	publisher := NewEventPublisher(16)
	m := New(st, objStore, anchor, q, publisher, secrets)

	q.Start(context.Background(), m.UploadProcessor(), queue.Events{}, time.Millisecond)

	return m, secrets
}

func TestStartSessionProcessChunkEndSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	status, err := m.StartSession(ctx, "creator-1", []string{"group-a"}, priv)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	sessionID := status.SessionID

	now := time.Now().UnixMilli()
	rec1, err := m.ProcessChunk(ctx, sessionID, []byte("chunk zero payload"), now)
	if err != nil {
		t.Fatalf("ProcessChunk 0: %v", err)
	}
	if rec1.ChunkIndex != 0 {
		t.Fatalf("expected chunk index 0, got %d", rec1.ChunkIndex)
	}
	rec2, err := m.ProcessChunk(ctx, sessionID, []byte("chunk one payload"), now+1000)
	if err != nil {
		t.Fatalf("ProcessChunk 1: %v", err)
	}
	if rec2.ChunkIndex != 1 {
		t.Fatalf("expected chunk index 1, got %d", rec2.ChunkIndex)
	}

	if rec1.Status != store.ChunkAnchored && rec1.Status != store.ChunkFailed {
		t.Fatalf("unexpected status for chunk 0: %v", rec1.Status)
	}

	// Wait until Status lists both durable chunk records (ChunkCount
	// counts records in any state, not only anchored ones).
	deadline := time.After(2 * time.Second)
	for {
		s, err := m.Status(sessionID)
		if err != nil {
			t.Fatal(err)
		}
		if s.ChunkCount == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for both chunk records, status=%+v", s)
		case <-time.After(5 * time.Millisecond):
		}
	}

	final, err := m.EndSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if final.State != store.SessionFinalized {
		t.Fatalf("expected finalized session, got %v", final.State)
	}
	if final.LatestRoot == "" {
		t.Fatal("expected a non-empty final root")
	}
}

func TestMarkInterrupted(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, priv, _ := ed25519.GenerateKey(nil)

	status, err := m.StartSession(ctx, "creator-1", []string{"group-a"}, priv)
	if err != nil {
		t.Fatal(err)
	}

	final, err := m.MarkInterrupted(status.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != store.SessionInterrupted {
		t.Fatalf("expected interrupted, got %v", final.State)
	}
}

func TestStartSessionRejectsEmptyGroupSet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, priv, _ := ed25519.GenerateKey(nil)

	if _, err := m.StartSession(ctx, "creator-1", nil, priv); !errors.Is(err, werrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for a nil groupSet, got %v", err)
	}
	if _, err := m.StartSession(ctx, "creator-1", []string{}, priv); !errors.Is(err, werrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for an empty groupSet, got %v", err)
	}
}

func TestSubscribeReceivesChunkEvents(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, priv, _ := ed25519.GenerateKey(nil)

	status, err := m.StartSession(ctx, "creator-1", []string{"group-a"}, priv)
	if err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(status.SessionID)
	defer m.Unsubscribe(sub.ID)

	if _, err := m.ProcessChunk(ctx, status.SessionID, []byte("payload"), time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	var sawAccepted bool
	for !sawAccepted {
		select {
		case evt := <-sub.Channel:
			if evt.Type == EventChunkAccepted {
				sawAccepted = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for chunk_accepted event")
		}
	}
}
