// Package objectstore defines the content-addressed object store
// collaborator (spec.md §6) used by ChunkProcessor and ManifestManager.
package objectstore

import "context"

// Store is the collaborator contract from spec.md §6: put/get are
// content-addressed — identical bytes must yield identical locators.
// Locators are opaque UTF-8 strings.
type Store interface {
	// Put uploads bytes and returns its content-addressed locator.
	// Puts of identical bytes are idempotent (same locator, no error
	// even if the object already exists).
	Put(ctx context.Context, data []byte) (locator string, err error)
	// Get fetches the bytes for a previously returned locator.
	Get(ctx context.Context, locator string) ([]byte, error)
	// Head reports whether a locator's bytes are already present,
	// without fetching them — used to skip redundant uploads on retry.
	Head(ctx context.Context, locator string) (bool, error)
}

// Locator computes the content address for data: the lowercase hex
// SHA-256 digest, with no "0x" prefix (spec.md §6's hex-encoding rule).
func Locator(data []byte) string {
	return locatorFor(data)
}
