package middleware

import (
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apperrors "computehub/internal/errors"
	"computehub/internal/infrastructure"
	"computehub/internal/license"
)

// Validator validates request payloads against struct tags. Handlers
// call Struct after decoding and render the returned field errors as a
// 400 validation problem.
type Validator struct {
	validate *validator.Validate
}

// NewValidator builds the request validator with the domain's custom
// tags registered.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("license_key", isLicenseKey)
	v.RegisterValidation("installation_id", isInstallationID)

	// Error messages name fields by their JSON tag.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{validate: v}
}

// Struct validates v and returns one entry per failed field.
func (m *Validator) Struct(v interface{}) []apperrors.ValidationError {
	err := m.validate.Struct(v)
	if err == nil {
		return nil
	}

	var fields []apperrors.ValidationError
	for _, fe := range err.(validator.ValidationErrors) {
		fields = append(fields, apperrors.ValidationError{
			Field:   fe.Field(),
			Message: formatFieldError(fe),
		})
	}
	return fields
}

// RenderErrors writes the field errors as a validation problem.
func (m *Validator) RenderErrors(w http.ResponseWriter, r *http.Request, fields []apperrors.ValidationError) {
	problem := apperrors.NewValidationProblem(fields, r.URL.Path, infrastructure.GetTraceID(r.Context()))
	render.Render(w, r, problem)
}

// ContentTypeJSON rejects mutating requests whose body is not JSON.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		contentType := r.Header.Get("Content-Type")
		if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
			fields := []apperrors.ValidationError{{
				Field:   "Content-Type",
				Message: "Content-Type must be application/json",
			}}
			problem := apperrors.NewValidationProblem(fields, r.URL.Path, infrastructure.GetTraceID(r.Context()))
			problem.Status = http.StatusUnsupportedMediaType
			render.Render(w, r, problem)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes caps request body size; oversized bodies fail at decode
// time inside the handler instead of exhausting memory here.
func MaxBodyBytes(limit int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "license_key":
		return fmt.Sprintf("%s is not a well-formed license key", field)
	case "installation_id":
		return fmt.Sprintf("%s must be a valid installation UUID", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// isLicenseKey accepts anything the codec can normalize; the canonical
// format check is the codec's, not a second regexp.
func isLicenseKey(fl validator.FieldLevel) bool {
	_, err := license.NormalizeKey(fl.Field().String())
	return err == nil
}

func isInstallationID(fl validator.FieldLevel) bool {
	_, err := uuid.Parse(fl.Field().String())
	return err == nil
}
