package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"computehub/internal/license"
	ws "computehub/internal/websocket"
)

// HealthService answers the hub server's health surface: liveness,
// readiness and version. Readiness covers the pieces an activation
// needs to succeed locally (credential store directory writable) and
// reports the last verification outcome.
type HealthService struct {
	version   string
	buildTime string
	store     *license.Store
	manager   *license.Manager
	hub       *ws.Hub
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus is the health endpoint response shape.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth is one component's readiness entry.
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

// NewHealthService builds the health service.
func NewHealthService(version, buildTime string, store *license.Store, manager *license.Manager, hub *ws.Hub, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		buildTime: buildTime,
		store:     store,
		manager:   manager,
		hub:       hub,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// HealthCheck is the plain ok/version response.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   hs.version,
	}
}

// ReadinessCheck reports per-component readiness. The server is not
// ready when the credential store cannot be written: activations could
// not persist.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	status.Services["credential_store"] = hs.checkCredentialStore()
	status.Services["license"] = hs.checkLicense()
	status.Services["websocket"] = hs.checkWebSocket()

	for _, service := range status.Services {
		if sh, ok := service.(ServiceHealth); ok && sh.Status != "ready" {
			status.Status = "not_ready"
			break
		}
	}

	if status.Status != "ready" {
		hs.logger.WarnContext(ctx, "readiness check failed", slog.Any("services", status.Services))
	}
	return status
}

// LivenessCheck reports process liveness with runtime vitals.
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Version reports build and runtime identification.
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":      hs.version,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"uptime":       time.Since(hs.startTime).Seconds(),
		"start_time":   hs.startTime.Format(time.RFC3339),
		"current_time": time.Now().Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	return result
}

// checkCredentialStore verifies the activation record's directory is
// writable. A corrupt record is not a readiness failure: the manager
// treats it as unactivated and the next activation rewrites it.
func (hs *HealthService) checkCredentialStore() ServiceHealth {
	if hs.store == nil {
		return ServiceHealth{Status: "not_ready", Message: "credential store not configured"}
	}

	dir := filepath.Dir(hs.store.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("credential store directory not writable: %v", err),
		}
	}

	if _, err := hs.store.Load(); errors.Is(err, license.ErrStoreCorrupt) {
		return ServiceHealth{
			Status:  "ready",
			Message: "credential store unreadable; it will be rewritten on the next activation",
		}
	}

	return ServiceHealth{Status: "ready", Message: "credential store accessible"}
}

// checkLicense reports the entitlement state. An unactivated or stale
// installation is still ready: the activation endpoints work either
// way.
func (hs *HealthService) checkLicense() ServiceHealth {
	if hs.manager == nil {
		return ServiceHealth{Status: "not_ready", Message: "license manager not initialized"}
	}

	view := hs.manager.CurrentStatus()
	switch {
	case !view.Entitled && view.Reason == license.ReasonNotActivated:
		return ServiceHealth{Status: "ready", Message: "no license activated"}
	case !view.Entitled:
		return ServiceHealth{
			Status:  "ready",
			Message: fmt.Sprintf("not entitled: %s (last result %s)", view.Reason, view.LastResult),
		}
	case view.Cached:
		return ServiceHealth{
			Status:  "ready",
			Message: fmt.Sprintf("entitled via offline fallback (last result %s)", view.LastResult),
		}
	default:
		return ServiceHealth{
			Status:  "ready",
			Message: fmt.Sprintf("entitled (last result %s)", view.LastResult),
		}
	}
}

func (hs *HealthService) checkWebSocket() ServiceHealth {
	if hs.hub == nil {
		return ServiceHealth{Status: "not_ready", Message: "websocket hub not running"}
	}
	return ServiceHealth{
		Status:  "ready",
		Message: fmt.Sprintf("%d clients connected", hs.hub.ClientCount()),
		Uptime:  time.Since(hs.startTime).String(),
	}
}
