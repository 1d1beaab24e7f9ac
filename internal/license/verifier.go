package license

import (
	"context"
	"log/slog"
	"time"
)

// DefaultMaxStaleness is how long a past confirmation keeps an
// installation entitled while the ledger is unreachable. Two weeks
// absorbs realistic offline stretches without making revocation
// toothless.
const DefaultMaxStaleness = 14 * 24 * time.Hour

// Outcome is the result of one verification pass over the local
// record.
type Outcome struct {
	Verdict Verdict

	// Record is the post-verification record. Nil when the verdict is
	// VerdictRevoked and the activation must be cleared.
	Record *ActivationRecord

	// Changed reports whether Record differs from the input and needs
	// persisting. A fallback pass that lands on the verdict already
	// recorded changes nothing.
	Changed bool

	// Unreachable carries the transport error behind a fallback
	// verdict. Nil when the ledger answered.
	Unreachable error
}

// Verifier decides entitlement from the ledger's answer, falling back
// to record age when the ledger cannot be reached. It never touches
// disk; the manager owns persistence.
type Verifier struct {
	authority    Authority
	maxStaleness time.Duration
	logger       *slog.Logger
	clock        func() time.Time
}

// NewVerifier builds a verifier. maxStaleness <= 0 selects
// DefaultMaxStaleness.
func NewVerifier(authority Authority, maxStaleness time.Duration, logger *slog.Logger) *Verifier {
	if maxStaleness <= 0 {
		maxStaleness = DefaultMaxStaleness
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		authority:    authority,
		maxStaleness: maxStaleness,
		logger:       logger,
		clock:        func() time.Time { return time.Now().UTC() },
	}
}

// MaxStaleness returns the fallback window in effect.
func (v *Verifier) MaxStaleness() time.Duration {
	return v.maxStaleness
}

// Check runs one verification pass. The input record is not mutated;
// the outcome carries an updated copy when anything changed.
func (v *Verifier) Check(ctx context.Context, rec *ActivationRecord) Outcome {
	now := v.clock()

	state, grant, err := v.authority.Verify(ctx, rec.LicenseKey, rec.InstallationID)
	if err != nil {
		return v.fallback(rec, now, err)
	}

	switch state {
	case BoundToThis:
		updated := rec.Clone()
		updated.LastVerifiedAt = now
		updated.LastResult = VerdictVerified
		if grant != nil && grant.Tier != "" {
			updated.Tier = grant.Tier
		}
		v.logger.Info("license verified",
			slog.String("license_key", MaskKey(rec.LicenseKey)),
			slog.String("tier", string(updated.Tier)))
		return Outcome{Verdict: VerdictVerified, Record: updated, Changed: true}

	default:
		// BoundElsewhere and NotBound both mean this installation no
		// longer holds the key. The local record is cleared so a later
		// activation starts clean.
		v.logger.Warn("license no longer bound to this installation",
			slog.String("license_key", MaskKey(rec.LicenseKey)),
			slog.String("binding_state", string(state)))
		return Outcome{Verdict: VerdictRevoked, Record: nil, Changed: true}
	}
}

// fallback applies the bounded-staleness rule: a record confirmed at
// most maxStaleness ago stays entitled, with the window boundary
// counting as fresh.
func (v *Verifier) fallback(rec *ActivationRecord, now time.Time, cause error) Outcome {
	verdict := VerdictFallbackEntitled
	if now.Sub(rec.LastVerifiedAt) > v.maxStaleness {
		verdict = VerdictFallbackDenied
	}

	v.logger.Warn("ledger unreachable, applying fallback",
		slog.String("license_key", MaskKey(rec.LicenseKey)),
		slog.String("verdict", string(verdict)),
		slog.Time("last_verified_at", rec.LastVerifiedAt),
		slog.Duration("max_staleness", v.maxStaleness),
		slog.String("error", cause.Error()))

	if rec.LastResult == verdict {
		return Outcome{Verdict: verdict, Record: rec.Clone(), Unreachable: cause}
	}
	updated := rec.Clone()
	updated.LastResult = verdict
	return Outcome{Verdict: verdict, Record: updated, Changed: true, Unreachable: cause}
}
