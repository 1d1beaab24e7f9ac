package middleware

import "computehub/internal/license"

// StatusSource is the slice of the activation manager the entitlement
// gate needs: the current status snapshot, nothing else. Decoupling on
// an interface keeps the gate testable without a ledger.
type StatusSource interface {
	CurrentStatus() license.StatusView
}
