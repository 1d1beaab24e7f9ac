package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"computehub/internal/security"
)

// DefaultRefreshInterval is how often the background loop reconciles
// the local record with the ledger.
const DefaultRefreshInterval = 6 * time.Hour

// Manager owns the ActivationRecord and is the only component that
// transitions this installation between entitled and not entitled.
// Activate, Deactivate and Refresh serialize on one mutex; CurrentStatus
// reads a snapshot and never blocks on them.
type Manager struct {
	// mu serializes the mutating operations, including the background
	// refresh pass.
	mu sync.Mutex

	// stateMu guards current for concurrent readers.
	stateMu sync.RWMutex
	current *ActivationRecord

	store        *Store
	authority    Authority
	verifier     *Verifier
	installation *security.Installation
	logger       *slog.Logger
	metrics      *LicenseMetrics
	tracer       trace.Tracer
	clock        func() time.Time

	listenerMu sync.Mutex
	listeners  []func(StatusView)

	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
	closeOnce     sync.Once
}

// ManagerOptions configures NewManager. Store, Authority and
// Installation are required.
type ManagerOptions struct {
	Store        *Store
	Authority    Authority
	Installation *security.Installation

	// MaxStaleness bounds the offline fallback window; <= 0 selects
	// DefaultMaxStaleness.
	MaxStaleness time.Duration

	Logger  *slog.Logger
	Metrics *LicenseMetrics
}

// NewManager loads whatever record the store holds and returns a ready
// manager. A corrupt or foreign record is discarded with a warning;
// the installation simply starts unactivated.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("license manager requires a store")
	}
	if opts.Authority == nil {
		return nil, errors.New("license manager requires an authority")
	}
	if opts.Installation == nil {
		return nil, errors.New("license manager requires an installation identity")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		store:        opts.Store,
		authority:    opts.Authority,
		verifier:     NewVerifier(opts.Authority, opts.MaxStaleness, logger),
		installation: opts.Installation,
		logger:       logger,
		metrics:      opts.Metrics,
		tracer:       otel.Tracer(TracerName),
		clock:        func() time.Time { return time.Now().UTC() },
	}

	rec, err := m.store.Load()
	switch {
	case errors.Is(err, ErrStoreCorrupt):
		logger.Warn("credential store unreadable, treating as not activated",
			slog.String("path", m.store.Path()),
			slog.String("error", err.Error()))
		m.metrics.RecordStoreCorruption(context.Background())
		rec = nil
	case err != nil:
		return nil, fmt.Errorf("load credential store: %w", err)
	case rec != nil && rec.InstallationID != opts.Installation.ID:
		logger.Warn("credential store belongs to another installation, discarding",
			slog.String("record_installation_id", rec.InstallationID.String()))
		rec = nil
	}
	m.current = rec
	return m, nil
}

// Activate normalizes rawKey, claims it at the ledger and persists the
// resulting record. Re-activating the key this installation already
// holds refreshes last_verified_at and nothing else. Activating a new
// key while another is held releases the old one after the new claim
// succeeds. Activation always requires the ledger to be reachable.
func (m *Manager) Activate(ctx context.Context, rawKey string) (StatusView, error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "license.activation", trace.WithAttributes(
		attribute.String("license.key_masked", MaskKey(rawKey)),
	))
	defer span.End()

	key, err := NormalizeKey(rawKey)
	if err != nil {
		span.SetStatus(codes.Error, "invalid key format")
		m.metrics.RecordActivation(ctx, time.Since(start), err)
		return m.CurrentStatus(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.snapshot()
	grant, err := m.authority.Bind(ctx, key, m.installation.ID, m.installation.DeviceHint())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bind rejected")
		m.metrics.RecordActivation(ctx, time.Since(start), err)
		m.logger.Warn("license activation failed",
			slog.String("license_key", MaskKey(key)),
			slog.String("error_class", classifyError(err)))
		return m.statusFor(prev), err
	}

	now := m.clock()
	rec := &ActivationRecord{
		LicenseKey:     key,
		InstallationID: m.installation.ID,
		ActivatedAt:    grant.BoundAt,
		Tier:           grant.Tier,
		LastVerifiedAt: now,
		LastResult:     VerdictVerified,
	}
	if rec.ActivatedAt.IsZero() {
		rec.ActivatedAt = now
	}
	if err := m.store.Save(rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		m.metrics.RecordActivation(ctx, time.Since(start), err)
		return m.statusFor(prev), fmt.Errorf("persist activation: %w", err)
	}

	// Switching keys: release the old claim so it can be used
	// elsewhere. The new activation stands even if this fails.
	if prev != nil && prev.LicenseKey != key {
		if err := m.authority.Unbind(ctx, prev.LicenseKey, m.installation.ID); err != nil {
			m.logger.Warn("could not release previously active key",
				slog.String("license_key", MaskKey(prev.LicenseKey)),
				slog.String("error", err.Error()))
		}
	}

	m.setCurrent(rec)
	m.metrics.RecordActivation(ctx, time.Since(start), nil)
	span.SetStatus(codes.Ok, "activated")
	m.logger.Info("license activated",
		slog.String("license_key", MaskKey(key)),
		slog.String("tier", string(rec.Tier)),
		slog.Time("activated_at", rec.ActivatedAt))
	return m.statusFor(rec), nil
}

// Deactivate releases this installation's claim at the ledger and
// clears the local record. With no activation it succeeds as a no-op.
// If the ledger cannot confirm the unbind the record is kept, so the
// entitlement is not lost while the ledger still considers it bound.
func (m *Manager) Deactivate(ctx context.Context) (StatusView, error) {
	ctx, span := m.tracer.Start(ctx, "license.deactivation")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.snapshot()
	if rec == nil {
		span.SetStatus(codes.Ok, "nothing to deactivate")
		return m.statusFor(nil), nil
	}

	if err := m.authority.Unbind(ctx, rec.LicenseKey, rec.InstallationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unbind unconfirmed")
		m.metrics.RecordDeactivation(ctx, err)
		m.logger.Warn("license deactivation unconfirmed, keeping local record",
			slog.String("license_key", MaskKey(rec.LicenseKey)),
			slog.String("error", err.Error()))
		return m.statusFor(rec), err
	}

	if err := m.store.Clear(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "clear failed")
		m.metrics.RecordDeactivation(ctx, err)
		return m.statusFor(rec), fmt.Errorf("clear activation: %w", err)
	}

	m.setCurrent(nil)
	m.metrics.RecordDeactivation(ctx, nil)
	span.SetStatus(codes.Ok, "deactivated")
	m.logger.Info("license deactivated",
		slog.String("license_key", MaskKey(rec.LicenseKey)))
	return m.statusFor(nil), nil
}

// Refresh runs one verification pass against the ledger and reconciles
// the local record with the verdict. With no activation it returns the
// not-activated status without any network call.
func (m *Manager) Refresh(ctx context.Context) (StatusView, error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "license.verification")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.snapshot()
	if rec == nil {
		span.SetStatus(codes.Ok, "not activated")
		return m.statusFor(nil), nil
	}

	outcome := m.verifier.Check(ctx, rec)
	m.metrics.RecordVerification(ctx, time.Since(start), outcome.Verdict)
	span.SetAttributes(attribute.String("license.verdict", string(outcome.Verdict)))

	switch {
	case outcome.Verdict == VerdictRevoked:
		if err := m.store.Clear(); err != nil {
			span.RecordError(err)
			return m.statusFor(rec), fmt.Errorf("clear revoked activation: %w", err)
		}
		m.setCurrent(nil)
		return m.statusFor(nil), nil

	case outcome.Changed:
		if err := m.store.Save(outcome.Record); err != nil {
			span.RecordError(err)
			return m.statusFor(rec), fmt.Errorf("persist verification: %w", err)
		}
		m.setCurrent(outcome.Record)
		return m.statusFor(outcome.Record), nil

	default:
		return m.statusFor(outcome.Record), nil
	}
}

// CurrentStatus reports the entitlement snapshot. It reads in-memory
// state only: no network, no disk.
func (m *Manager) CurrentStatus() StatusView {
	m.stateMu.RLock()
	rec := m.current
	m.stateMu.RUnlock()
	return m.statusFor(rec)
}

// OnChange registers fn to run after every activation, deactivation
// and persisted verification change. Listeners must not block.
func (m *Manager) OnChange(fn func(StatusView)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// StartBackgroundRefresh launches the periodic reconciliation loop:
// one pass immediately, then one per interval until ctx is cancelled
// or Close is called. Call it at most once.
func (m *Manager) StartBackgroundRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	m.refreshCancel = cancel
	m.refreshDone = make(chan struct{})

	go func() {
		defer close(m.refreshDone)
		m.backgroundPass(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.backgroundPass(ctx)
			}
		}
	}()

	m.logger.Info("background license refresh started",
		slog.Duration("interval", interval))
}

func (m *Manager) backgroundPass(ctx context.Context) {
	if _, err := m.Refresh(ctx); err != nil {
		m.logger.Warn("background license refresh failed",
			slog.String("error", err.Error()))
	}
}

// Close stops the background refresh loop and waits for it to exit.
// Safe to call multiple times and without a running loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.refreshCancel != nil {
			m.refreshCancel()
			<-m.refreshDone
		}
	})
}

// MaxStaleness returns the offline fallback window in effect.
func (m *Manager) MaxStaleness() time.Duration {
	return m.verifier.MaxStaleness()
}

// snapshot returns the current record. Callers must hold mu if they
// intend to act on it.
func (m *Manager) snapshot() *ActivationRecord {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.current
}

func (m *Manager) setCurrent(rec *ActivationRecord) {
	m.stateMu.Lock()
	m.current = rec
	m.stateMu.Unlock()
	m.notify(m.statusFor(rec))
}

func (m *Manager) statusFor(rec *ActivationRecord) StatusView {
	return NewStatusView(rec, m.clock(), m.verifier.MaxStaleness())
}

func (m *Manager) notify(view StatusView) {
	m.listenerMu.Lock()
	listeners := make([]func(StatusView), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(view)
	}
}
