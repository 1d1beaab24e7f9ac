package license

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the manager and authority client.
// Callers branch with errors.Is; the HTTP layer maps them to RFC 7807
// responses in internal/errors.
var (
	// ErrInvalidKeyFormat reports a key that does not parse as
	// COMPUTEHUB-XXXX-XXXX-XXXX-XXXX. Nothing was sent to the ledger.
	ErrInvalidKeyFormat = errors.New("license key format is invalid")

	// ErrKeyNotRecognized reports a well-formed key the ledger does
	// not know, or one that has been revoked.
	ErrKeyNotRecognized = errors.New("license key is not recognized")

	// ErrKeyBoundElsewhere reports an activation conflict: the key is
	// already bound to a different installation.
	ErrKeyBoundElsewhere = errors.New("license key is active on another installation")

	// ErrLedgerUnreachable reports that the activation ledger could
	// not be contacted or answered with a server failure. The caller
	// may retry; local state was not changed.
	ErrLedgerUnreachable = errors.New("activation ledger is unreachable")

	// ErrNotActivated reports an operation that needs an activation
	// when no local record exists.
	ErrNotActivated = errors.New("no license is activated on this installation")
)

// ConflictError wraps ErrKeyBoundElsewhere with the opaque device hint
// the ledger recorded for the current holder, when it provided one.
type ConflictError struct {
	// Hint is a human-readable label of the holding installation,
	// e.g. "office-laptop (linux/amd64)". May be empty.
	Hint string
}

func (e *ConflictError) Error() string {
	if e.Hint == "" {
		return ErrKeyBoundElsewhere.Error()
	}
	return fmt.Sprintf("%s: %s", ErrKeyBoundElsewhere, e.Hint)
}

// Unwrap lets errors.Is(err, ErrKeyBoundElsewhere) succeed.
func (e *ConflictError) Unwrap() error {
	return ErrKeyBoundElsewhere
}
