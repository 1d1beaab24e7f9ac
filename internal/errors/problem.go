// Package errors maps domain errors to RFC 7807 problem responses and
// provides the shared error handling for both HTTP surfaces (the hub
// server and the activation ledger).
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Problem type URIs. Relative references; clients treat them as opaque
// identifiers.
const (
	TypeValidation  = "/errors/validation"
	TypeNotFound    = "/errors/not-found"
	TypeRateLimit   = "/errors/rate-limit"
	TypeInternal    = "/errors/internal"
	TypeTimeout     = "/errors/timeout"
	TypeServiceDown = "/errors/service-unavailable"

	TypeLicenseInvalidFormat  = "/errors/license/invalid-format"
	TypeLicenseNotRecognized  = "/errors/license/not-recognized"
	TypeLicenseConflict       = "/errors/license/bound-elsewhere"
	TypeLicenseNotActivated   = "/errors/license/not-activated"
	TypeLedgerUnreachable     = "/errors/license/ledger-unreachable"
	TypeEntitlementRequired   = "/errors/license/entitlement-required"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements render.Renderer.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object, as RFC
// 7807 members.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates an RFC 7807 problem.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension member and returns the problem for
// chaining.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// ValidationError is one field-level validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NewValidationProblem reports request validation failures with the
// failing fields as an extension.
func NewValidationProblem(fields []ValidationError, instance, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusBadRequest,
		TypeValidation,
		"Validation Failed",
		"The request body did not pass validation.",
		instance,
	).WithExtension("errors", fields).
		WithExtension("trace_id", traceID)
}

// NewInternalProblem reports an unexpected failure without exposing
// its cause.
func NewInternalProblem(instance, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request.",
		instance,
	).WithExtension("trace_id", traceID)
}

// NewRateLimitProblem reports request throttling with a retry hint.
func NewRateLimitProblem(instance, traceID string, retryAfterSeconds int) *ProblemDetails {
	return NewProblemDetails(
		http.StatusTooManyRequests,
		TypeRateLimit,
		"Too Many Requests",
		"Request rate exceeded. Please slow down.",
		instance,
	).WithExtension("trace_id", traceID).
		WithExtension("retry_after", retryAfterSeconds)
}

// NewEntitlementProblem gates licensed features: the request cannot be
// served until a license is activated and verified.
func NewEntitlementProblem(instance, traceID, reason string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusPreconditionRequired,
		TypeEntitlementRequired,
		"License Required",
		"An entitled license is required for this feature.",
		instance,
	).WithExtension("trace_id", traceID).
		WithExtension("reason", reason)
}

// NotFoundProblem is the shared 404 body.
func NotFoundProblem(r *http.Request, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found.",
		r.URL.Path,
	).WithExtension("trace_id", traceID)
}

// MethodNotAllowedProblem is the shared 405 body.
func MethodNotAllowedProblem(r *http.Request, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeInternal,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint.", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", traceID)
}
