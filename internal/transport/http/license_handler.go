package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "computehub/internal/errors"
	"computehub/internal/infrastructure"
	"computehub/internal/license"
	mw "computehub/internal/middleware"
	"computehub/internal/services"
)

// LicenseHandler serves the hub's license endpoints. Success responses
// carry the current StatusView; failures are rendered as RFC 7807
// problems by the shared error handler. Raw license keys never appear
// in logs or spans, only their masked form.
type LicenseHandler struct {
	service   services.LicenseService
	validator *mw.Validator
	errs      *apperrors.ErrorHandler
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(service services.LicenseService, validator *mw.Validator, errs *apperrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		validator: validator,
		errs:      errs,
		logger:    logger.With(slog.String("handler", "license")),
		tracer:    otel.Tracer("license-handler"),
	}
}

// ActivationRequest is the payload for POST /api/license/activate.
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,license_key"`
}

// Routes returns the license router, mounted at /api/license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(mw.Timeout(30*time.Second, h.logger))

	r.Get("/status", h.Status)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/refresh", h.Refresh)

	return r
}

// Status handles GET /api/license/status.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license.status",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/status"),
		))
	defer span.End()

	view := h.service.Status(ctx)
	span.SetAttributes(
		attribute.Bool("license.entitled", view.Entitled),
		attribute.String("license.tier", string(view.Tier)),
	)
	render.JSON(w, r, view)
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
		))
	defer span.End()

	traceID := infrastructure.GetTraceID(ctx)

	var req ActivationRequest
	if err := render.Decode(r, &req); err != nil {
		h.logger.WarnContext(ctx, "activation payload malformed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
		pd := apperrors.NewProblemDetails(http.StatusBadRequest,
			apperrors.TypeValidation, "Invalid Request Body",
			"request body must be a JSON object", r.URL.Path).
			WithExtension("trace_id", traceID)
		_ = render.Render(w, r, pd)
		return
	}

	if fields := h.validator.Struct(req); len(fields) > 0 {
		h.validator.RenderErrors(w, r, fields)
		return
	}

	view, err := h.service.Activate(ctx, req.LicenseKey)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.key_masked", license.MaskKey(req.LicenseKey)))
		h.errs.HandleLicenseError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.key_masked", view.MaskedKey),
		attribute.String("license.tier", string(view.Tier)),
	)
	render.JSON(w, r, view)
}

// Deactivate handles POST /api/license/deactivate. Deactivating when
// nothing is held succeeds and returns the empty view.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license.deactivate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/deactivate"),
		))
	defer span.End()

	view, err := h.service.Deactivate(ctx)
	if err != nil {
		span.RecordError(err)
		h.errs.HandleLicenseError(w, r, err)
		return
	}
	render.JSON(w, r, view)
}

// Refresh handles POST /api/license/refresh, forcing a verification
// pass against the ledger. An unreachable ledger is not an error here:
// the service answers with the fallback view instead.
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license.refresh",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/refresh"),
		))
	defer span.End()

	view, err := h.service.Refresh(ctx)
	if err != nil {
		span.RecordError(err)
		h.errs.HandleLicenseError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.Bool("license.cached", view.Cached),
		attribute.String("license.last_result", string(view.LastResult)),
	)
	render.JSON(w, r, view)
}
