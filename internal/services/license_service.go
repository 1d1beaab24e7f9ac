package services

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"computehub/internal/license"
)

// LicenseService exposes the license operations the HTTP transport
// serves. All methods log with masked keys only.
type LicenseService interface {
	// Status reports the current entitlement snapshot. It reads the
	// manager's in-memory state and never blocks on the ledger.
	Status(ctx context.Context) license.StatusView

	// Activate claims key for this installation at the ledger and
	// persists the resulting record.
	Activate(ctx context.Context, key string) (license.StatusView, error)

	// Deactivate releases the current binding at the ledger and clears
	// the local record.
	Deactivate(ctx context.Context) (license.StatusView, error)

	// Refresh runs one verification pass against the ledger now,
	// outside the background schedule.
	Refresh(ctx context.Context) (license.StatusView, error)
}

type licenseService struct {
	manager *license.Manager
	logger  *slog.Logger

	startTime   time.Time
	activations atomic.Int64
	refreshes   atomic.Int64
	failures    atomic.Int64
}

// NewLicenseService wraps the manager in the service layer.
func NewLicenseService(manager *license.Manager, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		manager:   manager,
		logger:    logger.With(slog.String("service", "license")),
		startTime: time.Now(),
	}
}

func (s *licenseService) Status(ctx context.Context) license.StatusView {
	view := s.manager.CurrentStatus()
	s.logger.DebugContext(ctx, "license status read",
		slog.Bool("entitled", view.Entitled),
		slog.String("license_key", view.MaskedKey),
		slog.Bool("cached", view.Cached),
	)
	return view
}

func (s *licenseService) Activate(ctx context.Context, key string) (license.StatusView, error) {
	start := time.Now()
	s.logger.InfoContext(ctx, "license activation requested",
		slog.String("license_key", license.MaskKey(key)),
	)

	view, err := s.manager.Activate(ctx, key)
	if err != nil {
		s.failures.Add(1)
		s.logger.ErrorContext(ctx, "license activation failed",
			slog.String("license_key", license.MaskKey(key)),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return view, err
	}

	s.activations.Add(1)
	s.logger.InfoContext(ctx, "license activation succeeded",
		slog.String("license_key", view.MaskedKey),
		slog.String("tier", string(view.Tier)),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int64("activations_total", s.activations.Load()),
	)
	return view, nil
}

func (s *licenseService) Deactivate(ctx context.Context) (license.StatusView, error) {
	current := s.manager.CurrentStatus()
	s.logger.InfoContext(ctx, "license deactivation requested",
		slog.String("license_key", current.MaskedKey),
	)

	view, err := s.manager.Deactivate(ctx)
	if err != nil {
		s.failures.Add(1)
		s.logger.ErrorContext(ctx, "license deactivation failed",
			slog.String("license_key", current.MaskedKey),
			slog.String("error", err.Error()),
		)
		return view, err
	}

	s.logger.InfoContext(ctx, "license deactivated",
		slog.String("license_key", current.MaskedKey),
	)
	return view, nil
}

func (s *licenseService) Refresh(ctx context.Context) (license.StatusView, error) {
	start := time.Now()

	view, err := s.manager.Refresh(ctx)
	if err != nil {
		s.failures.Add(1)
		s.logger.ErrorContext(ctx, "license refresh failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return view, err
	}

	s.refreshes.Add(1)
	s.logger.InfoContext(ctx, "license refreshed",
		slog.String("license_key", view.MaskedKey),
		slog.String("result", string(view.LastResult)),
		slog.Bool("entitled", view.Entitled),
		slog.Bool("cached", view.Cached),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int64("refreshes_total", s.refreshes.Load()),
	)
	return view, nil
}
