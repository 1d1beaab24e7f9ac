// Package license implements activation, deactivation and ongoing
// verification of COMPUTEHUB license keys against the remote
// activation ledger.
//
// # Architecture Overview
//
// The package is built from small, separately testable parts:
//
//	- Manager: owns the ActivationRecord and serializes all mutations
//	- Store: the encrypted single-slot credential store on disk
//	- Verifier: the verification state machine with offline fallback
//	- Authority / LedgerClient: the remote ledger boundary
//	- Key codec: normalization, validation and masking of keys
//
// # Single-Installation Binding
//
// The ledger binds each key to at most one installation. The local
// ActivationRecord is a cached reflection of that binding: it may be
// falsified remotely (the key deactivated and re-activated elsewhere)
// and is reconciled on the next successful verification.
//
// # Verification Flow
//
//	1. Ask the ledger for the binding state of the stored key.
//	2. Bound to this installation -> Verified: stamp last_verified_at.
//	3. Bound elsewhere or not bound -> Revoked: clear the record.
//	4. Ledger unreachable -> fallback: entitled while the last
//	   confirmation is at most MaxStaleness old, denied after that.
//
// Activation and deactivation never use the fallback: both require the
// ledger to answer.
//
// # Confidentiality
//
// The full key exists in plaintext only in memory. On disk it is
// sealed with AES-256-GCM under a key derived from the installation
// secret; logs, traces, errors and status snapshots only ever carry
// the masked form (COMPUTEHUB-****-****-****-XXXX).
package license
