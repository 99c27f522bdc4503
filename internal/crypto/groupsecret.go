package crypto

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	werrors "github.com/witnessprotocol/core/internal/errors"
)

// GroupSecrets is the narrow interface the verification path (spec.md
// §4.7 step 2) consumes. spec.md §6 treats the group secret provider
// as an external collaborator, read-only to the core; this interface
// is the seam a deployment plugs its own provider into.
type GroupSecrets interface {
	Secret(groupID string) (secret [KeySize]byte, ok bool)
}

// Argon2id parameters, identical to the teacher's keystore so the two
// envelope formats stay interchangeable on disk.
const (
	argon2Time      = 3
	argon2Memory    = 65536
	argon2Threads   = 4
	saltSize        = 32
	keystoreVersion = 1
)

// groupSecretEntry is the on-disk envelope for one group's secret.
type groupSecretEntry struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// GroupSecretStore is a reference, file-backed GroupSecrets
// implementation: one Argon2id+AES-256-GCM-protected JSON file per
// group secret, grounded on the teacher's SaveKey/LoadKey keystore.
// Production deployments may supply any other GroupSecrets
// implementation — the core never requires this one.
type GroupSecretStore struct {
	dir        string
	passphrase string
}

// NewGroupSecretStore opens a directory of group-secret envelopes.
func NewGroupSecretStore(dir, passphrase string) (*GroupSecretStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create group secret dir: %w", err)
	}
	return &GroupSecretStore{dir: dir, passphrase: passphrase}, nil
}

func (s *GroupSecretStore) path(groupID string) string {
	return filepath.Join(s.dir, groupID+".json")
}

// Put saves a group's 32-byte secret, encrypted under the store's
// passphrase.
func (s *GroupSecretStore) Put(groupID string, secret [KeySize]byte) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("%w: salt generation: %v", werrors.ErrCryptoFailure, err)
	}
	derivedKey := argon2.IDKey([]byte(s.passphrase), salt, argon2Time, argon2Memory, argon2Threads, KeySize)

	nonce, err := RandomNonce()
	if err != nil {
		return err
	}
	ciphertext, err := Seal(derivedKey, nonce, secret[:])
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
		return fmt.Errorf("marshal group secret entry: %w", err)
	}
	return os.WriteFile(s.path(groupID), data, 0600)
}

// Secret implements GroupSecrets.
func (s *GroupSecretStore) Secret(groupID string) ([KeySize]byte, bool) {
	var out [KeySize]byte
	data, err := os.ReadFile(s.path(groupID))
	if err != nil {
		return out, false
	}
	var entry groupSecretEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return out, false
	}
	if entry.Version != keystoreVersion || entry.KDF != "argon2id" {
		return out, false
	}
	derivedKey := argon2.IDKey([]byte(s.passphrase), entry.Salt, argon2Time, argon2Memory, argon2Threads, KeySize)
	plaintext, err := Open(derivedKey, entry.Nonce, entry.Ciphertext)
	if err != nil || len(plaintext) != KeySize {
		return out, false
	}
	copy(out[:], plaintext)
	return out, true
}
