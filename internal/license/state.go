package license

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier is the entitlement level a key grants. The ledger is the source
// of truth; clients treat the value as opaque beyond display.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a tier name from CLI or configuration input.
func ParseTier(s string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch tier {
	case TierStandard, TierPro, TierEnterprise:
		return tier, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Verdict is the outcome of one verification pass.
type Verdict string

const (
	// VerdictVerified: the ledger confirmed the binding; entitled.
	VerdictVerified Verdict = "verified"

	// VerdictRevoked: the ledger denied the binding; the local record
	// has been cleared and the installation is not entitled.
	VerdictRevoked Verdict = "revoked"

	// VerdictFallbackEntitled: the ledger was unreachable but the last
	// confirmation is recent enough to honor; entitled.
	VerdictFallbackEntitled Verdict = "fallback_entitled"

	// VerdictFallbackDenied: the ledger was unreachable and the last
	// confirmation is too old; not entitled until a check succeeds.
	VerdictFallbackDenied Verdict = "fallback_denied"
)

// Entitled reports whether the verdict grants access to licensed
// features.
func (v Verdict) Entitled() bool {
	return v == VerdictVerified || v == VerdictFallbackEntitled
}

// ActivationRecord is the single unit of local license state. At most
// one exists per installation. The store seals the whole record at
// rest; in memory the key is plaintext and must only ever reach logs
// or the UI through MaskKey.
type ActivationRecord struct {
	LicenseKey     string    `json:"license_key"`
	InstallationID uuid.UUID `json:"installation_id"`
	ActivatedAt    time.Time `json:"activated_at"`
	Tier           Tier      `json:"entitlement_tier"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
	LastResult     Verdict   `json:"last_verification_result"`
}

// Clone returns an independent copy so callers can hand records to
// listeners without aliasing manager-owned state.
func (r *ActivationRecord) Clone() *ActivationRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// StaleBy reports how far past the staleness window the record is at
// now. Zero or negative means the record is still within the window;
// the window boundary itself counts as fresh.
func (r *ActivationRecord) StaleBy(now time.Time, maxStaleness time.Duration) time.Duration {
	return now.Sub(r.LastVerifiedAt) - maxStaleness
}
