package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	werrors "github.com/witnessprotocol/core/internal/errors"
)

// SignerStore is a file-backed keystore for the Ed25519 signing keys
// creators use to authenticate anchor log writes (spec.md §4.6's
// "authenticated single-writer per session"), grounded on
// GroupSecretStore's Argon2id+AES-256-GCM envelope — same shape, holding
// a 64-byte Ed25519 seed-plus-public-key instead of a 32-byte group
// secret.
type SignerStore struct {
	dir        string
	passphrase string
}

// NewSignerStore opens a directory of creator signing-key envelopes.
func NewSignerStore(dir, passphrase string) (*SignerStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create signer key dir: %w", err)
	}
	return &SignerStore{dir: dir, passphrase: passphrase}, nil
}

func (s *SignerStore) path(creator string) string {
	return filepath.Join(s.dir, creator+".signer.json")
}

// Generate mints a new Ed25519 key for creator and persists it,
// returning the public key for registration elsewhere (e.g. the anchor
// log's creator binding).
func (s *SignerStore) Generate(creator string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate signing key: %v", werrors.ErrCryptoFailure, err)
	}
	if err := s.put(creator, priv); err != nil {
		return nil, err
	}
	return pub, nil
}

func (s *SignerStore) put(creator string, priv ed25519.PrivateKey) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("%w: salt generation: %v", werrors.ErrCryptoFailure, err)
	}
	derivedKey := argon2.IDKey([]byte(s.passphrase), salt, argon2Time, argon2Memory, argon2Threads, KeySize)

	nonce, err := RandomNonce()
	if err != nil {
		return err
	}
	ciphertext, err := Seal(derivedKey, nonce, priv)
	if err != nil {
		return err
	}
	entry := groupSecretEntry{
		Version:    keystoreVersion,
		KDF:        "argon2id",
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal signer entry: %w", err)
	}
	return os.WriteFile(s.path(creator), data, 0600)
}

// Signer matches api.SignerProvider's lookup contract: returns the
// creator's Ed25519 private key, if one is registered.
func (s *SignerStore) Signer(creator string) (ed25519.PrivateKey, bool) {
	data, err := os.ReadFile(s.path(creator))
	if err != nil {
		return nil, false
	}
	var entry groupSecretEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	if entry.Version != keystoreVersion || entry.KDF != "argon2id" {
		return nil, false
	}
	derivedKey := argon2.IDKey([]byte(s.passphrase), entry.Salt, argon2Time, argon2Memory, argon2Threads, KeySize)
	plaintext, err := Open(derivedKey, entry.Nonce, entry.Ciphertext)
	if err != nil || len(plaintext) != ed25519.PrivateKeySize {
		return nil, false
	}
	return ed25519.PrivateKey(plaintext), true
}

// Creators lists every creator with a registered signing key, for
// Manager.Recover's signer map.
func (s *SignerStore) Creators() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list signer keys: %w", err)
	}
	var creators []string
	const suffix = ".signer.json"
	for _, e := range entries {
		name := e.Name()
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			creators = append(creators, name[:len(name)-len(suffix)])
		}
	}
	return creators, nil
}
