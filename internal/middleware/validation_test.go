package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bindPayload struct {
	LicenseKey     string `json:"license_key" validate:"required,license_key"`
	InstallationID string `json:"installation_id" validate:"required,installation_id"`
	DeviceHint     string `json:"device_hint" validate:"max=64"`
}

func TestValidator_Struct(t *testing.T) {
	v := NewValidator()

	valid := bindPayload{
		LicenseKey:     "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD",
		InstallationID: uuid.NewString(),
	}

	tests := []struct {
		name        string
		mutate      func(p *bindPayload)
		wantField   string
		wantMessage string
	}{
		{
			name:   "valid payload",
			mutate: func(p *bindPayload) {},
		},
		{
			name:   "lowercase key normalizes",
			mutate: func(p *bindPayload) { p.LicenseKey = "computehub-aaaa-bbbb-cccc-dddd" },
		},
		{
			name:        "missing key",
			mutate:      func(p *bindPayload) { p.LicenseKey = "" },
			wantField:   "license_key",
			wantMessage: "license_key is required",
		},
		{
			name:        "truncated key",
			mutate:      func(p *bindPayload) { p.LicenseKey = "COMPUTEHUB-AAAA-BBBB" },
			wantField:   "license_key",
			wantMessage: "license_key is not a well-formed license key",
		},
		{
			name:        "wrong product prefix",
			mutate:      func(p *bindPayload) { p.LicenseKey = "OTHERPROD-AAAA-BBBB-CCCC-DDDD" },
			wantField:   "license_key",
			wantMessage: "license_key is not a well-formed license key",
		},
		{
			name:        "installation id not a uuid",
			mutate:      func(p *bindPayload) { p.InstallationID = "not-a-uuid" },
			wantField:   "installation_id",
			wantMessage: "installation_id must be a valid installation UUID",
		},
		{
			name:        "device hint too long",
			mutate:      func(p *bindPayload) { p.DeviceHint = strings.Repeat("x", 65) },
			wantField:   "device_hint",
			wantMessage: "device_hint must be at most 64 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := valid
			tt.mutate(&payload)

			fields := v.Struct(payload)
			if tt.wantField == "" {
				assert.Empty(t, fields)
				return
			}

			require.Len(t, fields, 1)
			assert.Equal(t, tt.wantField, fields[0].Field)
			assert.Equal(t, tt.wantMessage, fields[0].Message)
		})
	}
}

func TestValidator_RenderErrors(t *testing.T) {
	v := NewValidator()
	fields := v.Struct(bindPayload{})
	require.NotEmpty(t, fields)

	req := httptest.NewRequest(http.MethodPost, "/v1/licenses/bind", nil)
	rec := httptest.NewRecorder()
	v.RenderErrors(rec, req, fields)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "license_key is required")
	assert.Contains(t, rec.Body.String(), "installation_id is required")
}

func TestContentTypeJSON(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		contentType    string
		wantStatusCode int
	}{
		{name: "json post passes", method: http.MethodPost, contentType: "application/json", wantStatusCode: http.StatusOK},
		{name: "json with charset passes", method: http.MethodPost, contentType: "application/json; charset=utf-8", wantStatusCode: http.StatusOK},
		{name: "plain text post rejected", method: http.MethodPost, contentType: "text/plain", wantStatusCode: http.StatusUnsupportedMediaType},
		{name: "missing content type passes", method: http.MethodPost, contentType: "", wantStatusCode: http.StatusOK},
		{name: "get is never checked", method: http.MethodGet, contentType: "text/plain", wantStatusCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := ContentTypeJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/v1/licenses/bind", strings.NewReader("{}"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatusCode, rec.Code)
		})
	}
}

func TestMaxBodyBytes(t *testing.T) {
	handler := MaxBodyBytes(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("small body passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/licenses/bind", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("oversized body fails at read", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/licenses/bind", strings.NewReader(strings.Repeat("x", 64)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
