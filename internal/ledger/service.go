package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"computehub/internal/license"
)

// Service is the authority's request path: binding transactions plus
// metrics, audit logging, and the optional Sheets mirror. The store
// stays pure data access; anything observable lives here.
//
// Log sites use masked keys. The plaintext key exists only in the
// ledger database and, when enabled, the back-office mirror.
type Service struct {
	store   *Store
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *Metrics
	mirror  *SheetsMirror
	clock   func() time.Time
}

// NewService wraps store with the daemon's request-path behavior.
func NewService(store *Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger.With(slog.String("component", "ledger-service")),
		tracer: otel.Tracer(TracerName),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches the OpenTelemetry instruments.
func (s *Service) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetMirror attaches the asynchronous Sheets mirror.
func (s *Service) SetMirror(m *SheetsMirror) {
	s.mirror = m
}

// Bind executes one bind attempt end to end.
func (s *Service) Bind(ctx context.Context, key, installationID, deviceHint, clientIP string) (*BindOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.bind", trace.WithAttributes(
		attribute.String("license.key_masked", license.MaskKey(key)),
		attribute.String("license.installation_id", installationID),
	))
	defer span.End()

	start := time.Now()
	now := s.clock()

	outcome, err := s.store.Bind(ctx, key, installationID, deviceHint, clientIP, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("ledger.bind_status", string(outcome.Status)))
	s.metrics.RecordBind(ctx, time.Since(start), outcome.Status)

	switch outcome.Status {
	case BindOK:
		s.logger.InfoContext(ctx, "license bound",
			slog.String("license_key", license.MaskKey(key)),
			slog.String("installation_id", installationID),
			slog.String("event", outcome.event),
		)
	case BindConflict:
		s.logger.WarnContext(ctx, "bind conflict: key held by another installation",
			slog.String("license_key", license.MaskKey(key)),
			slog.String("installation_id", installationID),
		)
	case BindInvalid:
		s.logger.WarnContext(ctx, "bind rejected: unknown or revoked key",
			slog.String("license_key", license.MaskKey(key)),
		)
	}

	if s.mirror != nil && outcome.event != "" {
		s.mirror.Append(Event{
			OccurredAt:     now,
			Event:          outcome.event,
			LicenseKey:     key,
			InstallationID: installationID,
			DeviceHint:     deviceHint,
			ClientIP:       clientIP,
		})
	}

	return outcome, nil
}

// Unbind releases installationID's hold on key. The returned bool
// reports whether a binding was actually removed.
func (s *Service) Unbind(ctx context.Context, key, installationID, clientIP string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.unbind", trace.WithAttributes(
		attribute.String("license.key_masked", license.MaskKey(key)),
		attribute.String("license.installation_id", installationID),
	))
	defer span.End()

	now := s.clock()

	released, err := s.store.Unbind(ctx, key, installationID, clientIP, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	s.metrics.RecordUnbind(ctx, released)

	if released {
		s.logger.InfoContext(ctx, "license released",
			slog.String("license_key", license.MaskKey(key)),
			slog.String("installation_id", installationID),
		)
		if s.mirror != nil {
			s.mirror.Append(Event{
				OccurredAt:     now,
				Event:          EventUnbind,
				LicenseKey:     key,
				InstallationID: installationID,
				ClientIP:       clientIP,
			})
		}
	}

	return released, nil
}

// Verify reports where key is bound without mutating the binding
// beyond the holder's last_seen_at.
func (s *Service) Verify(ctx context.Context, key, installationID string) (VerifyResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.verify", trace.WithAttributes(
		attribute.String("license.key_masked", license.MaskKey(key)),
	))
	defer span.End()

	result, err := s.store.Verify(ctx, key, installationID, s.clock())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetAttributes(attribute.String("ledger.verify_result", string(result)))
	s.metrics.RecordVerify(ctx, result)
	return result, nil
}

// MintKey generates and registers a fresh key of the given tier.
func (s *Service) MintKey(ctx context.Context, tier license.Tier, note string) (*KeyRecord, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	rec := KeyRecord{
		Key:       key,
		Tier:      tier,
		Note:      note,
		CreatedAt: s.clock(),
	}
	if err := s.store.InsertKey(ctx, rec); err != nil {
		return nil, fmt.Errorf("mint key: %w", err)
	}

	s.logger.InfoContext(ctx, "license key minted",
		slog.String("license_key", license.MaskKey(key)),
		slog.String("tier", string(tier)),
	)
	return &rec, nil
}

// RevokeKey marks key revoked; its holder loses entitlement on the
// next verification pass.
func (s *Service) RevokeKey(ctx context.Context, key string) error {
	normalized, err := license.NormalizeKey(key)
	if err != nil {
		return err
	}
	if err := s.store.RevokeKey(ctx, normalized, s.clock()); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "license key revoked",
		slog.String("license_key", license.MaskKey(normalized)),
	)
	return nil
}

// Keys lists every minted key.
func (s *Service) Keys(ctx context.Context) ([]KeyRecord, error) {
	return s.store.ListKeys(ctx)
}

// Bindings lists every active binding.
func (s *Service) Bindings(ctx context.Context) ([]Binding, error) {
	return s.store.ListBindings(ctx)
}

// Events lists up to limit audit events, newest first.
func (s *Service) Events(ctx context.Context, limit int) ([]Event, error) {
	return s.store.ListEvents(ctx, limit)
}
