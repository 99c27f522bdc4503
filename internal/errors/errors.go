// Package errors defines the Witness Protocol core's error taxonomy.
//
// Kinds are not Go types; they are a flat classification attached to
// sentinel and wrapped errors so callers can branch with errors.Is
// while the observability layer can still log a stable Kind string.
package errors

import "errors"

// Kind classifies an error for propagation/logging policy.
type Kind string

const (
	KindInvalidArgument    Kind = "InvalidArgument"
	KindQuotaExhausted     Kind = "QuotaExhausted"
	KindObjectStoreFailure Kind = "ObjectStoreFailure"
	KindAnchorLogFailure   Kind = "AnchorLogFailure"
	KindCryptoFailure      Kind = "CryptoFailure"
	KindIntegrityViolation Kind = "IntegrityViolation"
	KindNoAccess           Kind = "NoAccess"
	KindCorruption         Kind = "Corruption"
	KindPermanentFailure   Kind = "PermanentFailure"
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ErrX) at call sites
// that need additional context; errors.Is still matches through the wrap.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrQuotaExhausted     = errors.New("storage quota exhausted")
	ErrObjectStoreFailure = errors.New("object store failure")
	ErrAnchorLogFailure   = errors.New("anchor log failure")
	ErrCryptoFailure      = errors.New("crypto failure")
	ErrNoAccess           = errors.New("no matching group secret")
	ErrCorruption         = errors.New("durable store corruption")
	ErrPermanentFailure   = errors.New("permanent failure after max retries")

	// IntegrityViolation sub-kinds (verification path, spec.md §7).
	ErrCiphertextHashMismatch = errors.New("ciphertext hash mismatch")
	ErrMerkleRootMismatch     = errors.New("merkle root mismatch")
	ErrPlaintextHashMismatch  = errors.New("plaintext hash mismatch")
)

// KindOf returns the best-effort Kind for a given sentinel, defaulting
// to KindCorruption for anything unrecognized (fail closed).
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrQuotaExhausted):
		return KindQuotaExhausted
	case errors.Is(err, ErrObjectStoreFailure):
		return KindObjectStoreFailure
	case errors.Is(err, ErrAnchorLogFailure):
		return KindAnchorLogFailure
	case errors.Is(err, ErrCryptoFailure):
		return KindCryptoFailure
	case errors.Is(err, ErrCiphertextHashMismatch), errors.Is(err, ErrMerkleRootMismatch), errors.Is(err, ErrPlaintextHashMismatch):
		return KindIntegrityViolation
	case errors.Is(err, ErrNoAccess):
		return KindNoAccess
	case errors.Is(err, ErrPermanentFailure):
		return KindPermanentFailure
	default:
		return KindCorruption
	}
}
