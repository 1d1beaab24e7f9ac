package http

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "computehub/internal/errors"
	"computehub/internal/infrastructure"
	"computehub/internal/ledger"
	"computehub/internal/license"
	mw "computehub/internal/middleware"
)

// LedgerHandler exposes the activation ledger's wire API, consumed by
// hub installations. Bind and unbind mutate the binding table; verify
// is read-only apart from advancing the holder's last-seen timestamp.
type LedgerHandler struct {
	service   *ledger.Service
	validator *mw.Validator
	logger    *slog.Logger
	tracer    trace.Tracer
	limit     func(http.Handler) http.Handler
}

// NewLedgerHandler creates a ledger handler.
func NewLedgerHandler(service *ledger.Service, validator *mw.Validator, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{
		service:   service,
		validator: validator,
		logger:    logger.With(slog.String("handler", "ledger")),
		tracer:    otel.Tracer("ledger-handler"),
	}
}

// WithRateLimiter throttles the mutating endpoints. Verify is left
// unthrottled: every hub installation hits it on a timer.
func (h *LedgerHandler) WithRateLimiter(limit func(http.Handler) http.Handler) *LedgerHandler {
	h.limit = limit
	return h
}

// BindRequest is the payload for POST /v1/licenses/bind.
type BindRequest struct {
	LicenseKey     string `json:"license_key" validate:"required,license_key"`
	InstallationID string `json:"installation_id" validate:"required,installation_id"`
	DeviceHint     string `json:"device_hint" validate:"omitempty,max=120"`
}

// UnbindRequest is the payload for POST /v1/licenses/unbind.
type UnbindRequest struct {
	LicenseKey     string `json:"license_key" validate:"required,license_key"`
	InstallationID string `json:"installation_id" validate:"required,installation_id"`
}

type bindResponse struct {
	Status     string       `json:"status"`
	Tier       license.Tier `json:"tier,omitempty"`
	BoundAt    *time.Time   `json:"bound_at,omitempty"`
	DeviceHint string       `json:"device_hint,omitempty"`
}

type unbindResponse struct {
	Status string `json:"status"`
}

type verifyResponse struct {
	Result ledger.VerifyResult `json:"result"`
}

// Routes returns the ledger router, mounted at /v1/licenses.
func (h *LedgerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(mw.Timeout(15*time.Second, h.logger))

	r.Group(func(r chi.Router) {
		if h.limit != nil {
			r.Use(h.limit)
		}
		r.Post("/bind", h.Bind)
		r.Post("/unbind", h.Unbind)
	})
	r.Get("/verify", h.Verify)

	return r
}

// Bind handles POST /v1/licenses/bind. The first installation to bind
// a key wins; later attempts from other installations get a 409 with a
// hint naming the current holder's device. Unknown and revoked keys
// answer 404 so callers cannot distinguish them from never-issued keys.
func (h *LedgerHandler) Bind(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.http.bind",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/v1/licenses/bind"),
		))
	defer span.End()

	var req BindRequest
	if err := render.Decode(r, &req); err != nil {
		h.renderMalformedBody(w, r, err)
		return
	}
	if fields := h.validator.Struct(req); len(fields) > 0 {
		h.validator.RenderErrors(w, r, fields)
		return
	}

	key, inst, ok := h.canonicalize(w, r, req.LicenseKey, req.InstallationID)
	if !ok {
		return
	}

	outcome, err := h.service.Bind(ctx, key, inst, req.DeviceHint, remoteHost(r))
	if err != nil {
		span.RecordError(err)
		h.renderStoreFailure(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("ledger.bind_status", string(outcome.Status)))

	switch outcome.Status {
	case ledger.BindOK:
		boundAt := outcome.BoundAt
		render.Status(r, http.StatusOK)
		render.JSON(w, r, bindResponse{
			Status:  "ok",
			Tier:    outcome.Tier,
			BoundAt: &boundAt,
		})
	case ledger.BindConflict:
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, bindResponse{
			Status:     "conflict",
			DeviceHint: outcome.HolderHint,
		})
	default:
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, bindResponse{Status: "invalid"})
	}
}

// Unbind handles POST /v1/licenses/unbind. Releasing a key that the
// caller does not hold is not an error; the response says not_bound so
// the caller can drop its local record either way.
func (h *LedgerHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.http.unbind",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/v1/licenses/unbind"),
		))
	defer span.End()

	var req UnbindRequest
	if err := render.Decode(r, &req); err != nil {
		h.renderMalformedBody(w, r, err)
		return
	}
	if fields := h.validator.Struct(req); len(fields) > 0 {
		h.validator.RenderErrors(w, r, fields)
		return
	}

	key, inst, ok := h.canonicalize(w, r, req.LicenseKey, req.InstallationID)
	if !ok {
		return
	}

	released, err := h.service.Unbind(ctx, key, inst, remoteHost(r))
	if err != nil {
		span.RecordError(err)
		h.renderStoreFailure(w, r, err)
		return
	}

	span.SetAttributes(attribute.Bool("ledger.released", released))

	resp := unbindResponse{Status: "ok"}
	if !released {
		resp.Status = "not_bound"
	}
	render.JSON(w, r, resp)
}

// Verify handles GET /v1/licenses/verify. Unknown and revoked keys
// report not_bound so holders discard their records on the next
// refresh.
func (h *LedgerHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.http.verify",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/v1/licenses/verify"),
		))
	defer span.End()

	q := r.URL.Query()

	var fields []apperrors.ValidationError
	key, err := license.NormalizeKey(q.Get("license_key"))
	if err != nil {
		fields = append(fields, apperrors.ValidationError{
			Field:   "license_key",
			Message: "license_key is not a well-formed license key",
		})
	}
	inst, err := uuid.Parse(q.Get("installation_id"))
	if err != nil {
		fields = append(fields, apperrors.ValidationError{
			Field:   "installation_id",
			Message: "installation_id must be a valid installation UUID",
		})
	}
	if len(fields) > 0 {
		h.validator.RenderErrors(w, r, fields)
		return
	}

	result, err := h.service.Verify(ctx, key, inst.String())
	if err != nil {
		span.RecordError(err)
		h.renderStoreFailure(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("ledger.verify_result", string(result)))
	render.JSON(w, r, verifyResponse{Result: result})
}

// canonicalize converts the validated raw key and installation ID into
// their stored forms.
func (h *LedgerHandler) canonicalize(w http.ResponseWriter, r *http.Request, rawKey, rawInst string) (string, string, bool) {
	key, err := license.NormalizeKey(rawKey)
	if err != nil {
		h.validator.RenderErrors(w, r, []apperrors.ValidationError{{
			Field:   "license_key",
			Message: "license_key is not a well-formed license key",
		}})
		return "", "", false
	}
	inst, err := uuid.Parse(rawInst)
	if err != nil {
		h.validator.RenderErrors(w, r, []apperrors.ValidationError{{
			Field:   "installation_id",
			Message: "installation_id must be a valid installation UUID",
		}})
		return "", "", false
	}
	return key, inst.String(), true
}

func (h *LedgerHandler) renderMalformedBody(w http.ResponseWriter, r *http.Request, err error) {
	traceID := infrastructure.GetTraceID(r.Context())
	h.logger.WarnContext(r.Context(), "ledger request malformed",
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	pd := apperrors.NewProblemDetails(http.StatusBadRequest,
		apperrors.TypeValidation, "Invalid Request Body",
		"request body must be a JSON object", r.URL.Path).
		WithExtension("trace_id", traceID)
	_ = render.Render(w, r, pd)
}

func (h *LedgerHandler) renderStoreFailure(w http.ResponseWriter, r *http.Request, err error) {
	traceID := infrastructure.GetTraceID(r.Context())
	h.logger.ErrorContext(r.Context(), "ledger store failure",
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	_ = render.Render(w, r, apperrors.NewInternalProblem(r.URL.Path, traceID))
}

// remoteHost strips the port from the peer address for the audit
// trail. Behind the RealIP middleware RemoteAddr is already a bare IP.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
