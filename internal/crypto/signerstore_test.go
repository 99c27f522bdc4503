package crypto

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestSignerStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSignerStore(dir, "test-passphrase")
	if err != nil {
		t.Fatal(err)
	}

	pub, err := store.Generate("creator-1")
	if err != nil {
		t.Fatal(err)
	}

	priv, ok := store.Signer("creator-1")
	if !ok {
		t.Fatal("expected signer to be found")
	}
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		t.Fatal("recovered private key's public half does not match the generated public key")
	}

	if _, ok := store.Signer("unknown-creator"); ok {
		t.Fatal("expected no signer for an unregistered creator")
	}
}

func TestSignerStoreCreators(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSignerStore(dir, "test-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Generate("alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Generate("bob"); err != nil {
		t.Fatal(err)
	}

	creators, err := store.Creators()
	if err != nil {
		t.Fatal(err)
	}
	if len(creators) != 2 {
		t.Fatalf("expected 2 creators, got %d: %v", len(creators), creators)
	}
}

func TestSignerStoreWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSignerStore(dir, "correct-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Generate("creator-1"); err != nil {
		t.Fatal(err)
	}

	wrongStore, err := NewSignerStore(dir, "wrong-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := wrongStore.Signer("creator-1"); ok {
		t.Fatal("expected Signer to fail to decrypt with the wrong passphrase")
	}
}
