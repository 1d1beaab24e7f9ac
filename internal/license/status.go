package license

import (
	"time"
)

// Status reasons surfaced when the installation is not entitled.
const (
	ReasonNotActivated         = "not_activated"
	ReasonVerificationRequired = "verification_required"
)

// StatusView is the externally visible license state: everything the
// UI, the HTTP gate and the websocket feed may see. It never carries
// the full key.
type StatusView struct {
	Entitled       bool       `json:"entitled"`
	Tier           Tier       `json:"tier,omitempty"`
	MaskedKey      string     `json:"masked_key,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	LastResult     Verdict    `json:"last_result,omitempty"`

	// Cached is true when entitlement rests on the fallback window
	// rather than a fresh ledger confirmation.
	Cached bool `json:"cached"`

	// Reason explains a false Entitled: ReasonNotActivated or
	// ReasonVerificationRequired.
	Reason string `json:"reason,omitempty"`
}

// NewStatusView derives the snapshot for rec as of now. The staleness
// window is re-applied here so a record that aged out between
// verification passes stops granting access immediately, without
// waiting for the next pass to run.
func NewStatusView(rec *ActivationRecord, now time.Time, maxStaleness time.Duration) StatusView {
	if rec == nil {
		return StatusView{Reason: ReasonNotActivated}
	}

	activatedAt := rec.ActivatedAt
	verifiedAt := rec.LastVerifiedAt
	view := StatusView{
		Tier:           rec.Tier,
		MaskedKey:      MaskKey(rec.LicenseKey),
		ActivatedAt:    &activatedAt,
		LastVerifiedAt: &verifiedAt,
		LastResult:     rec.LastResult,
	}

	withinWindow := now.Sub(rec.LastVerifiedAt) <= maxStaleness
	if rec.LastResult.Entitled() && withinWindow {
		view.Entitled = true
		view.Cached = rec.LastResult == VerdictFallbackEntitled
		return view
	}
	view.Reason = ReasonVerificationRequired
	return view
}
