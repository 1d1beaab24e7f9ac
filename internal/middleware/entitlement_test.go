package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"computehub/internal/license"
)

// stubStatusSource returns a fixed status view.
type stubStatusSource struct {
	view license.StatusView
}

func (s *stubStatusSource) CurrentStatus() license.StatusView { return s.view }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entitledView(tier license.Tier, cached bool) license.StatusView {
	now := time.Now()
	view := license.StatusView{
		Entitled:       true,
		Tier:           tier,
		MaskedKey:      "COMPUTEHUB-****-****-****-DDDD",
		ActivatedAt:    &now,
		LastVerifiedAt: &now,
		LastResult:     license.VerdictVerified,
		Cached:         cached,
	}
	if cached {
		view.LastResult = license.VerdictFallbackEntitled
	}
	return view
}

func TestEntitlementGate(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		view           license.StatusView
		wantStatusCode int
		wantNextCalled bool
		wantCachedHdr  bool
	}{
		{
			name:           "entitled request passes",
			path:           "/api/operations",
			view:           entitledView(license.TierStandard, false),
			wantStatusCode: http.StatusOK,
			wantNextCalled: true,
		},
		{
			name:           "fallback entitlement passes with cached header",
			path:           "/api/operations",
			view:           entitledView(license.TierStandard, true),
			wantStatusCode: http.StatusOK,
			wantNextCalled: true,
			wantCachedHdr:  true,
		},
		{
			name:           "not activated is blocked",
			path:           "/api/operations",
			view:           license.StatusView{Reason: license.ReasonNotActivated},
			wantStatusCode: http.StatusPreconditionRequired,
		},
		{
			name:           "stale verification is blocked",
			path:           "/api/operations",
			view:           license.StatusView{Reason: license.ReasonVerificationRequired},
			wantStatusCode: http.StatusPreconditionRequired,
		},
		{
			name:           "license endpoints are excluded",
			path:           "/api/license/activate",
			view:           license.StatusView{Reason: license.ReasonNotActivated},
			wantStatusCode: http.StatusOK,
			wantNextCalled: true,
		},
		{
			name:           "health endpoints are excluded",
			path:           "/api/health/ready",
			view:           license.StatusView{Reason: license.ReasonNotActivated},
			wantStatusCode: http.StatusOK,
			wantNextCalled: true,
		},
		{
			name:           "metrics endpoint is excluded",
			path:           "/metrics",
			view:           license.StatusView{Reason: license.ReasonNotActivated},
			wantStatusCode: http.StatusOK,
			wantNextCalled: true,
		},
		{
			name:           "websocket upgrade path is excluded",
			path:           "/ws",
			view:           license.StatusView{Reason: license.ReasonNotActivated},
			wantStatusCode: http.StatusOK,
			wantNextCalled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewEntitlementGate(&stubStatusSource{view: tt.view}, testLogger())

			nextCalled := false
			handler := gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatusCode, rec.Code)
			assert.Equal(t, tt.wantNextCalled, nextCalled)
			if tt.wantCachedHdr {
				assert.Equal(t, "true", rec.Header().Get(CachedEntitlementHeader))
			} else {
				assert.Empty(t, rec.Header().Get(CachedEntitlementHeader))
			}
		})
	}
}

func TestEntitlementGate_ProblemBody(t *testing.T) {
	gate := NewEntitlementGate(&stubStatusSource{
		view: license.StatusView{Reason: license.ReasonNotActivated},
	}, testLogger())

	handler := gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/operations", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPreconditionRequired, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "License Required", body["title"])
	assert.Equal(t, "/api/operations", body["instance"])
	assert.Equal(t, license.ReasonNotActivated, body["reason"])
}

func TestEntitlementGate_ExtraExclusions(t *testing.T) {
	gate := NewEntitlementGate(&stubStatusSource{
		view: license.StatusView{Reason: license.ReasonNotActivated},
	}, testLogger()).
		Exclude("/version").
		ExcludePrefix("/static")

	handler := gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/version", "/static/css/app.css"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "path %s should be excluded", path)
	}
}

func TestRequireTier(t *testing.T) {
	tests := []struct {
		name           string
		view           license.StatusView
		min            license.Tier
		wantStatusCode int
	}{
		{
			name:           "pro tier reaches pro namespace",
			view:           entitledView(license.TierPro, false),
			min:            license.TierPro,
			wantStatusCode: http.StatusOK,
		},
		{
			name:           "enterprise tier reaches pro namespace",
			view:           entitledView(license.TierEnterprise, false),
			min:            license.TierPro,
			wantStatusCode: http.StatusOK,
		},
		{
			name:           "standard tier is blocked from pro namespace",
			view:           entitledView(license.TierStandard, false),
			min:            license.TierPro,
			wantStatusCode: http.StatusPreconditionRequired,
		},
		{
			name:           "unentitled installation is blocked",
			view:           license.StatusView{Reason: license.ReasonNotActivated},
			min:            license.TierPro,
			wantStatusCode: http.StatusPreconditionRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewEntitlementGate(&stubStatusSource{view: tt.view}, testLogger())
			handler := gate.RequireTier(tt.min)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/pro/reports", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatusCode, rec.Code)
		})
	}
}

func TestRequireTier_ReasonForLowTier(t *testing.T) {
	gate := NewEntitlementGate(&stubStatusSource{
		view: entitledView(license.TierStandard, false),
	}, testLogger())

	handler := gate.RequireTier(license.TierPro)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/pro/reports", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPreconditionRequired, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "tier_pro_required", body["reason"])
}
