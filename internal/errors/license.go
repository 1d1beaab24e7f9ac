package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"

	"computehub/internal/license"
)

// MapLicenseError converts license manager errors to RFC 7807 problem
// responses. Every branch keys on errors.Is against the package
// sentinels; nothing parses error strings.
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	switch {
	case errors.Is(err, license.ErrInvalidKeyFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeLicenseInvalidFormat,
			"Invalid License Key Format",
			"License key must be in format: COMPUTEHUB-XXXX-XXXX-XXXX-XXXX",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_KEY_FORMAT").
			WithExtension("expected_format", license.KeyPrefix+"-XXXX-XXXX-XXXX-XXXX")

	case errors.Is(err, license.ErrKeyBoundElsewhere):
		problem := NewProblemDetails(
			http.StatusConflict,
			TypeLicenseConflict,
			"License Active on Another Installation",
			"This license key is already active on another installation. Deactivate it there first, or contact support to transfer it.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "BOUND_ELSEWHERE")
		var conflict *license.ConflictError
		if errors.As(err, &conflict) && conflict.Hint != "" {
			problem.WithExtension("active_on", conflict.Hint)
		}
		return problem

	case errors.Is(err, license.ErrKeyNotRecognized):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeLicenseNotRecognized,
			"License Key Not Recognized",
			"The license key is not known to the activation service or has been revoked.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "KEY_NOT_RECOGNIZED")

	case errors.Is(err, license.ErrLedgerUnreachable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeLedgerUnreachable,
			"Activation Service Unreachable",
			"Could not reach the activation service. Activation and deactivation require connectivity; please try again.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LEDGER_UNREACHABLE").
			WithExtension("retry_after", 60)

	case errors.Is(err, license.ErrNotActivated):
		return NewProblemDetails(
			http.StatusPreconditionRequired,
			TypeLicenseNotActivated,
			"License Not Activated",
			"No license has been activated on this installation.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "NOT_ACTIVATED")

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TIMEOUT")

	default:
		return NewInternalProblem(instance, traceID)
	}
}
