package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "license-manager"
	MeterName  = "license-manager"
)

// LicenseMetrics holds the license-specific OpenTelemetry instruments.
// All of them are optional: a nil *LicenseMetrics disables recording.
type LicenseMetrics struct {
	ActivationAttempts metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	DeactivationAttempts metric.Int64Counter
	DeactivationFailures metric.Int64Counter

	VerificationPasses   metric.Int64Counter
	VerificationDuration metric.Float64Histogram

	FallbackGrants  metric.Int64Counter
	FallbackDenials metric.Int64Counter

	StoreCorruptions metric.Int64Counter
}

// InitializeLicenseMetrics creates all license instruments on meter.
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	m := &LicenseMetrics{}

	var err error
	m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("License activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activation attempts counter: %w", err)
	}
	m.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Failed license activations by error class"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activation failures counter: %w", err)
	}
	m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create activation duration histogram: %w", err)
	}

	m.DeactivationAttempts, err = meter.Int64Counter(
		"license_deactivation_attempts_total",
		metric.WithDescription("License deactivation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deactivation attempts counter: %w", err)
	}
	m.DeactivationFailures, err = meter.Int64Counter(
		"license_deactivation_failures_total",
		metric.WithDescription("Failed license deactivations by error class"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deactivation failures counter: %w", err)
	}

	m.VerificationPasses, err = meter.Int64Counter(
		"license_verification_passes_total",
		metric.WithDescription("Verification passes by verdict"),
	)
	if err != nil {
		return nil, fmt.Errorf("create verification passes counter: %w", err)
	}
	m.VerificationDuration, err = meter.Float64Histogram(
		"license_verification_duration_seconds",
		metric.WithDescription("Verification pass duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create verification duration histogram: %w", err)
	}

	m.FallbackGrants, err = meter.Int64Counter(
		"license_fallback_grants_total",
		metric.WithDescription("Entitlements granted from the staleness window while the ledger was unreachable"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fallback grants counter: %w", err)
	}
	m.FallbackDenials, err = meter.Int64Counter(
		"license_fallback_denials_total",
		metric.WithDescription("Entitlements denied because the record aged past the staleness window"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fallback denials counter: %w", err)
	}

	m.StoreCorruptions, err = meter.Int64Counter(
		"license_store_corruptions_total",
		metric.WithDescription("Credential store reads that found an undecodable slot"),
	)
	if err != nil {
		return nil, fmt.Errorf("create store corruptions counter: %w", err)
	}

	return m, nil
}

// RecordActivation records one activation attempt.
func (m *LicenseMetrics) RecordActivation(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ActivationAttempts.Add(ctx, 1)
	m.ActivationDuration.Record(ctx, duration.Seconds())
	if err != nil {
		m.ActivationFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error_class", classifyError(err)),
		))
	}
}

// RecordDeactivation records one deactivation attempt.
func (m *LicenseMetrics) RecordDeactivation(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.DeactivationAttempts.Add(ctx, 1)
	if err != nil {
		m.DeactivationFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error_class", classifyError(err)),
		))
	}
}

// RecordVerification records one verification pass and its verdict.
func (m *LicenseMetrics) RecordVerification(ctx context.Context, duration time.Duration, verdict Verdict) {
	if m == nil {
		return
	}
	m.VerificationPasses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", string(verdict)),
	))
	m.VerificationDuration.Record(ctx, duration.Seconds())
	switch verdict {
	case VerdictFallbackEntitled:
		m.FallbackGrants.Add(ctx, 1)
	case VerdictFallbackDenied:
		m.FallbackDenials.Add(ctx, 1)
	}
}

// RecordStoreCorruption records a credential slot that had to be
// discarded.
func (m *LicenseMetrics) RecordStoreCorruption(ctx context.Context) {
	if m == nil {
		return
	}
	m.StoreCorruptions.Add(ctx, 1)
}

// classifyError buckets manager errors for metric labels.
func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidKeyFormat):
		return "invalid_format"
	case errors.Is(err, ErrKeyNotRecognized):
		return "key_not_recognized"
	case errors.Is(err, ErrKeyBoundElsewhere):
		return "bound_elsewhere"
	case errors.Is(err, ErrLedgerUnreachable):
		return "ledger_unreachable"
	case errors.Is(err, ErrNotActivated):
		return "not_activated"
	case errors.Is(err, ErrStoreCorrupt):
		return "store_corrupt"
	default:
		return "internal"
	}
}
