package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	werrors "github.com/witnessprotocol/core/internal/errors"
)

func locatorFor(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LocalStore is a content-addressed on-disk Store, used for tests and
// single-node deployments. Objects are sharded by the first two hex
// characters of their locator, grounded on the same sharding idea the
// teacher's BoltDB-backed stores use to avoid one giant bucket.
type LocalStore struct {
	root string
}

// NewLocalStore opens (creating if needed) a directory-backed store.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) pathFor(locator string) string {
	if len(locator) < 2 {
		return filepath.Join(s.root, locator)
	}
	return filepath.Join(s.root, locator[:2], locator)
}

func (s *LocalStore) Put(_ context.Context, data []byte) (string, error) {
	locator := locatorFor(data)
	path := s.pathFor(locator)
	if _, err := os.Stat(path); err == nil {
		return locator, nil // idempotent: already present
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("%w: %v", werrors.ErrObjectStoreFailure, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("%w: %v", werrors.ErrObjectStoreFailure, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("%w: %v", werrors.ErrObjectStoreFailure, err)
	}
	return locator, nil
}

func (s *LocalStore) Get(_ context.Context, locator string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(locator))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", werrors.ErrObjectStoreFailure, err)
	}
	return data, nil
}

func (s *LocalStore) Head(_ context.Context, locator string) (bool, error) {
	_, err := os.Stat(s.pathFor(locator))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", werrors.ErrObjectStoreFailure, err)
}
