// Package app wires the hub server: configuration, logging, telemetry,
// the installation identity, the activation manager, and the HTTP
// surface that exposes them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"computehub/internal/config"
	apperrors "computehub/internal/errors"
	"computehub/internal/infrastructure"
	"computehub/internal/license"
	mw "computehub/internal/middleware"
	"computehub/internal/security"
	"computehub/internal/services"
	handlers "computehub/internal/transport/http"
	ws "computehub/internal/websocket"
)

// Version and BuildTime are stamped at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = ""
)

// Application is the assembled hub server.
type Application struct {
	Config *config.Config
	Logger *slog.Logger
	Router *chi.Mux
	Server *http.Server

	OTelProviders *infrastructure.OTelProviders

	Installation    *security.Installation
	CredentialStore *license.Store
	LicenseManager  *license.Manager
	WebSocketHub    *ws.Hub

	LicenseService services.LicenseService
	HealthService  *services.HealthService

	gate        *mw.EntitlementGate
	rateLimiter *mw.RateLimiter
}

// New builds the application from the effective configuration.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds the application from an explicit configuration.
func NewWithConfig(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("hub server starting",
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port),
		slog.String("ledger_url", cfg.License.LedgerURL))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeLicensing(); err != nil {
		return nil, err
	}
	app.initializeServices()
	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeLicensing builds the activation stack: installation
// identity, credential store, ledger client, manager, and the status
// push hub.
func (a *Application) initializeLicensing() error {
	inst, err := security.LoadOrCreateInstallation(a.Config.Paths.DataDir, a.Logger)
	if err != nil {
		return fmt.Errorf("load installation identity: %w", err)
	}
	a.Installation = inst

	authority := license.NewLedgerClient(
		a.Config.License.LedgerURL,
		a.Config.License.RequestTimeout.D(),
		a.Logger,
	)

	metrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("initialize license metrics: %w", err)
	}

	a.CredentialStore = license.NewStore(a.Config.Paths.DataDir, inst.Secret)

	manager, err := license.NewManager(license.ManagerOptions{
		Store:        a.CredentialStore,
		Authority:    authority,
		Installation: inst,
		MaxStaleness: a.Config.License.MaxStaleness.D(),
		Logger:       a.Logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("initialize license manager: %w", err)
	}
	a.LicenseManager = manager

	hubMetrics, err := ws.InitializeHubMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("initialize websocket metrics: %w", err)
	}

	hub := ws.NewHub(a.Logger).
		WithMetrics(hubMetrics).
		WithStatusSource(manager.CurrentStatus)
	hub.Start()
	a.WebSocketHub = hub

	// Connected clients learn about every entitlement change without
	// polling the status endpoint.
	manager.OnChange(hub.BroadcastLicenseStatus)

	return nil
}

func (a *Application) initializeServices() {
	a.LicenseService = services.NewLicenseService(a.LicenseManager, a.Logger)
	a.HealthService = services.NewHealthService(
		Version,
		BuildTime,
		a.CredentialStore,
		a.LicenseManager,
		a.WebSocketHub,
		a.Logger,
	)
}

// setupRouter assembles the middleware chain and mounts the API.
// The websocket route and /metrics sit outside the full chain: the
// upgrade breaks under wrapped response writers, and metrics scrapes
// should not pay for logging or entitlement checks.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RealIP)

	r.With(mw.WebSocketTraceMiddleware(a.Logger)).HandleFunc("/ws", a.handleWebSocket)

	r.Group(func(r chi.Router) {
		otelMiddleware, err := mw.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("telemetry middleware unavailable", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(mw.StructuredLogger(a.Logger))
		r.Use(mw.Recoverer(a.Logger))
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS(a.corsConfig()))

		if a.Config.Security.RateLimit.Enabled {
			a.rateLimiter = mw.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			)
			r.Use(a.rateLimiter.Handler)
		}

		// Everything not excluded by the gate is the licensed feature
		// namespace; the host application mounts its routes inside
		// this group. Version stays reachable so support tooling can
		// identify unlicensed installations.
		a.gate = mw.NewEntitlementGate(a.LicenseManager, a.Logger).
			Exclude("/api/version")
		r.Use(a.gate.Handler)

		a.setupAPIRoutes(r)
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

func (a *Application) setupAPIRoutes(r chi.Router) {
	errorHandler := apperrors.NewErrorHandler(a.Logger, a.Config.Logging.Development)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(mw.ContentTypeJSON)
		r.Use(mw.MaxBodyBytes(1 << 16))
		r.Use(mw.Timeout(a.Config.Server.ReadTimeout.D(), a.Logger))

		r.NotFound(errorHandler.NotFound)
		r.MethodNotAllowed(errorHandler.MethodNotAllowed)

		healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)
		r.Mount("/health", healthHandler.Routes())
		r.Get("/version", healthHandler.Version)

		licenseHandler := handlers.NewLicenseHandler(
			a.LicenseService,
			mw.NewValidator(),
			errorHandler,
			a.Logger,
		)
		r.Mount("/license", licenseHandler.Routes())
	})
}

// corsConfig allows the configured origins plus localhost on the
// server's own port for the bundled UI.
func (a *Application) corsConfig() mw.CORSConfig {
	origins := make([]string, 0, len(a.Config.Security.AllowedOrigins)+2)
	if a.Config.Security.EnableCORS {
		origins = append(origins, a.Config.Security.AllowedOrigins...)
	}
	origins = append(origins,
		fmt.Sprintf("http://localhost:%d", a.Config.Server.Port),
		fmt.Sprintf("http://127.0.0.1:%d", a.Config.Server.Port),
	)

	return mw.CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Content-Type",
			"X-Request-ID",
		},
		ExposedHeaders: []string{
			"X-Request-ID",
			mw.CachedEntitlementHeader,
		},
		AllowCredentials: true,
		MaxAge:           300,
		Logger:           a.Logger,
	}
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout.D(),
		WriteTimeout:   a.Config.Server.WriteTimeout.D(),
		IdleTimeout:    a.Config.Server.IdleTimeout.D(),
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// handleWebSocket upgrades the connection and hands it to the hub.
func (a *Application) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  a.Config.WebSocket.ReadBufferSize,
		WriteBufferSize: a.Config.WebSocket.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range a.corsConfig().AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			a.Logger.WarnContext(ctx, "websocket origin rejected",
				slog.String("origin", origin))
			return false
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.ErrorContext(ctx, "websocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		return
	}

	ws.ServeWS(a.WebSocketHub, conn, traceID, a.Logger)
}

// Run serves until the context is cancelled or a signal arrives, then
// shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.LicenseManager.StartBackgroundRefresh(ctx, a.Config.License.RefreshInterval.D())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("hub server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops the HTTP server and releases every background
// resource. Safe to call once, after Run has started serving.
func (a *Application) Shutdown(ctx context.Context) error {
	a.Logger.Info("hub server shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout.D())
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	a.LicenseManager.Close()
	a.WebSocketHub.Stop()
	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}

	if err := infrastructure.CloseLogFile(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}

	a.Logger.Info("hub server stopped")
	return errors.Join(errs...)
}
