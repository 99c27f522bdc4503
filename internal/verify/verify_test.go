package verify

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/witnessprotocol/core/internal/anchorlog"
	witnesscrypto "github.com/witnessprotocol/core/internal/crypto"
	werrors "github.com/witnessprotocol/core/internal/errors"
	"github.com/witnessprotocol/core/internal/manifest"
	"github.com/witnessprotocol/core/internal/objectstore"
	"github.com/witnessprotocol/core/internal/queue"
	"github.com/witnessprotocol/core/internal/session"
	"github.com/witnessprotocol/core/internal/store"
)

type fakeGroupSecrets struct {
	secrets map[string][witnesscrypto.KeySize]byte
}

func (f *fakeGroupSecrets) Secret(groupID string) ([witnesscrypto.KeySize]byte, bool) {
	s, ok := f.secrets[groupID]
	return s, ok
}

// TestVerifyRoundTrip captures two chunks through the session manager,
// then replays spec.md §4.7's verification pipeline end to end: fetch
// manifest, unwrap, check ciphertext hashes, recompute the root
// against the manifest and the anchor log, decrypt, and concatenate.
func TestVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "chunks.db"), 1<<30)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	objStore, err := objectstore.NewLocalStore(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatal(err)
	}
	anchor, err := anchorlog.Open(filepath.Join(dir, "anchors.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer anchor.Close()
	q, err := queue.Open(filepath.Join(dir, "queue.db"), 3, time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { q.Stop(); q.Close() }()

	secretBytes, err := witnesscrypto.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	var secretArr [witnesscrypto.KeySize]byte
	copy(secretArr[:], secretBytes)
	secrets := &fakeGroupSecrets{secrets: map[string][witnesscrypto.KeySize]byte{"group-a": secretArr}}

	mgr := session.New(st, objStore, anchor, q, session.NewEventPublisher(8), secrets)
	q.Start(context.Background(), mgr.UploadProcessor(), queue.Events{}, time.Millisecond)

	ctx := context.Background()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	status, err := mgr.StartSession(ctx, "creator-1", []string{"group-a"}, priv)
	if err != nil {
		t.Fatal(err)
	}

	payloads := [][]byte{[]byte("first chunk of evidence"), []byte("second chunk of evidence")}
	for i, p := range payloads {
		if _, err := mgr.ProcessChunk(ctx, status.SessionID, p, time.Now().UnixMilli()+int64(i)*1000); err != nil {
			t.Fatalf("ProcessChunk %d: %v", i, err)
		}
	}

	final, err := mgr.EndSession(ctx, status.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if final.LatestManifestLocator == "" {
		t.Fatal("expected a manifest locator after EndSession")
	}

	v := New(objStore, anchor, secrets)
	result, err := v.Verify(ctx, final.LatestManifestLocator, "group-a", true)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.RootMatchesManifest {
		t.Fatal("expected recomputed root to match manifest root")
	}
	if !result.AnchorFound || !result.RootMatchesAnchor {
		t.Fatal("expected recomputed root to match anchor log entry")
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("expected 2 chunk results, got %d", len(result.Chunks))
	}
	for i, cr := range result.Chunks {
		if !cr.CiphertextHashOK {
			t.Fatalf("chunk %d: ciphertext hash mismatch", i)
		}
		if !cr.PlaintextHashChecked || !cr.PlaintextHashOK {
			t.Fatalf("chunk %d: plaintext hash check failed", i)
		}
		if string(cr.Plaintext) != string(payloads[i]) {
			t.Fatalf("chunk %d: decrypted payload mismatch: got %q want %q", i, cr.Plaintext, payloads[i])
		}
	}
	expectedConcat := string(payloads[0]) + string(payloads[1])
	if string(result.Concatenated) != expectedConcat {
		t.Fatalf("concatenated mismatch: got %q want %q", result.Concatenated, expectedConcat)
	}
}

// corruptingStore wraps a Store and flips a byte of one locator's
// bytes on Get, simulating ciphertext tampering after upload.
type corruptingStore struct {
	objectstore.Store
	corruptLocator string
}

func (c *corruptingStore) Get(ctx context.Context, locator string) ([]byte, error) {
	data, err := c.Store.Get(ctx, locator)
	if err != nil || locator != c.corruptLocator {
		return data, err
	}
	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0xFF
	return tampered, nil
}

// TestVerifyDetectsTamperedCiphertext corrupts one uploaded chunk's
// bytes on retrieval (spec.md §4.7 scenario S4) and checks the
// verification pipeline aborts at the step-3 ciphertext hash check
// rather than proceeding to decrypt it.
func TestVerifyDetectsTamperedCiphertext(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "chunks.db"), 1<<30)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	objStore, err := objectstore.NewLocalStore(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatal(err)
	}
	anchor, err := anchorlog.Open(filepath.Join(dir, "anchors.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer anchor.Close()
	q, err := queue.Open(filepath.Join(dir, "queue.db"), 3, time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { q.Stop(); q.Close() }()

	secretBytes, _ := witnesscrypto.RandomKey()
	var secretArr [witnesscrypto.KeySize]byte
	copy(secretArr[:], secretBytes)
	secrets := &fakeGroupSecrets{secrets: map[string][witnesscrypto.KeySize]byte{"group-a": secretArr}}

	mgr := session.New(st, objStore, anchor, q, session.NewEventPublisher(8), secrets)
	q.Start(context.Background(), mgr.UploadProcessor(), queue.Events{}, time.Millisecond)

	ctx := context.Background()
	_, priv, _ := ed25519.GenerateKey(nil)
	status, err := mgr.StartSession(ctx, "creator-1", []string{"group-a"}, priv)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := mgr.ProcessChunk(ctx, status.SessionID, []byte("only chunk"), time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	final, err := mgr.EndSession(ctx, status.SessionID)
	if err != nil {
		t.Fatal(err)
	}

	tampering := &corruptingStore{Store: objStore, corruptLocator: rec.ObjectLocator}
	v := New(tampering, anchor, secrets)
	result, err := v.Verify(ctx, final.LatestManifestLocator, "group-a", true)
	if !errors.Is(err, werrors.ErrCiphertextHashMismatch) {
		t.Fatalf("expected ErrCiphertextHashMismatch, got %v", err)
	}
	if result != nil {
		t.Fatal("expected no result on a ciphertext hash mismatch")
	}
}

// tamperingManifestStore wraps a Store and flips a byte of the
// manifest's own bytes on Get, simulating an attacker rewriting the
// manifest locator's content after anchoring.
type tamperingManifestStore struct {
	objectstore.Store
	manifestLocator string
}

func (t *tamperingManifestStore) Get(ctx context.Context, locator string) ([]byte, error) {
	data, err := t.Store.Get(ctx, locator)
	if err != nil || locator != t.manifestLocator {
		return data, err
	}
	m, err := manifest.Unmarshal(data)
	if err != nil {
		return data, err
	}
	root, err := hex.DecodeString(m.MerkleRoot)
	if err != nil || len(root) == 0 {
		return data, err
	}
	root[0] ^= 0xFF
	m.MerkleRoot = hex.EncodeToString(root)
	return manifest.Marshal(m)
}

// TestVerifyDetectsMerkleRootMismatch flips a bit in the anchored
// manifest's merkleRoot (spec.md §4.7 scenario S5) and checks
// verification recomputes the root, finds it disagrees, and aborts
// before decrypting rather than returning a boolean the caller might
// not check.
func TestVerifyDetectsMerkleRootMismatch(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "chunks.db"), 1<<30)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	objStore, err := objectstore.NewLocalStore(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatal(err)
	}
	anchor, err := anchorlog.Open(filepath.Join(dir, "anchors.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer anchor.Close()
	q, err := queue.Open(filepath.Join(dir, "queue.db"), 3, time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { q.Stop(); q.Close() }()

	secretBytes, _ := witnesscrypto.RandomKey()
	var secretArr [witnesscrypto.KeySize]byte
	copy(secretArr[:], secretBytes)
	secrets := &fakeGroupSecrets{secrets: map[string][witnesscrypto.KeySize]byte{"group-a": secretArr}}

	mgr := session.New(st, objStore, anchor, q, session.NewEventPublisher(8), secrets)
	q.Start(context.Background(), mgr.UploadProcessor(), queue.Events{}, time.Millisecond)

	ctx := context.Background()
	_, priv, _ := ed25519.GenerateKey(nil)
	status, err := mgr.StartSession(ctx, "creator-1", []string{"group-a"}, priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.ProcessChunk(ctx, status.SessionID, []byte("only chunk"), time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	final, err := mgr.EndSession(ctx, status.SessionID)
	if err != nil {
		t.Fatal(err)
	}

	tampering := &tamperingManifestStore{Store: objStore, manifestLocator: final.LatestManifestLocator}
	v := New(tampering, anchor, secrets)
	result, err := v.Verify(ctx, final.LatestManifestLocator, "group-a", true)
	if !errors.Is(err, werrors.ErrMerkleRootMismatch) {
		t.Fatalf("expected ErrMerkleRootMismatch, got %v", err)
	}
	if result != nil {
		t.Fatal("expected no result on a root mismatch")
	}
}
