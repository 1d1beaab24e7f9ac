// Command license-ledger runs the activation authority daemon: the
// bind/unbind/verify wire API backed by the SQLite activation ledger,
// with per-IP rate limiting on the mutating endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"computehub/internal/config"
	"computehub/internal/infrastructure"
	"computehub/internal/ledger"
	mw "computehub/internal/middleware"
	handlers "computehub/internal/transport/http"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	BuildTime = ""
)

func main() {
	configPath := flag.String("config", "", "config file (default: $COMPUTEHUB_CONFIG, then config.yaml)")
	listenAddr := flag.String("listen", "", "listen address override")
	dbPath := flag.String("db", "", "ledger database path override")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("license-ledger %s", Version)
		if BuildTime != "" {
			fmt.Printf(" (built %s)", BuildTime)
		}
		fmt.Println()
		return
	}

	if err := run(*configPath, *listenAddr, *dbPath); err != nil {
		slog.Error("ledger daemon error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath, listenAddr, dbPath string) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if listenAddr != "" {
		cfg.Ledger.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.Ledger.DatabasePath = dbPath
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	logger.Info("ledger daemon starting",
		slog.String("version", Version),
		slog.String("addr", cfg.Ledger.ListenAddr),
		slog.String("database", cfg.Ledger.DatabasePath))

	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	store, err := ledger.OpenStore(cfg.Ledger.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	service := ledger.NewService(store, logger)

	metrics, err := ledger.InitializeMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("initialize ledger metrics: %w", err)
	}
	service.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Ledger.SheetsEnabled {
		mirror, err := ledger.NewSheetsMirror(ctx,
			cfg.Ledger.SheetsCredentialsFile,
			cfg.Ledger.SheetsSpreadsheetID,
			logger)
		if err != nil {
			// The ledger keeps serving without the back-office mirror.
			logger.Error("sheets mirror unavailable", slog.String("error", err.Error()))
		} else {
			service.SetMirror(mirror)
			defer mirror.Close()
		}
	}

	handler := handlers.NewLedgerHandler(service, mw.NewValidator(), logger)

	var limiter *mw.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		limiter = mw.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, logger)
		defer limiter.Stop()
		handler.WithRateLimiter(limiter.Handler)
	}

	srv := &http.Server{
		Addr:         cfg.Ledger.ListenAddr,
		Handler:      newRouter(handler, store, providers, logger),
		ReadTimeout:  cfg.Server.ReadTimeout.D(),
		WriteTimeout: cfg.Server.WriteTimeout.D(),
		IdleTimeout:  cfg.Server.IdleTimeout.D(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ledger daemon listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("ledger daemon shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return providers.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newRouter(handler *handlers.LedgerHandler, store *ledger.Store, providers *infrastructure.OTelProviders, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RealIP)
	r.Use(mw.StructuredLogger(logger))
	r.Use(mw.Recoverer(logger))
	r.Use(mw.SecurityHeaders)

	r.Mount("/v1/licenses", handler.Routes())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"status": "unavailable"})
			return
		}
		render.JSON(w, r, map[string]string{"status": "ok", "version": Version})
	})

	if providers.PrometheusHTTP != nil {
		r.Handle("/metrics", providers.PrometheusHTTP)
	}

	return r
}
