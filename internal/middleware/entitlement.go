package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	apperrors "computehub/internal/errors"
	"computehub/internal/infrastructure"
	"computehub/internal/license"
)

// CachedEntitlementHeader marks responses served under the offline
// fallback window, so callers can surface an "offline mode" indicator.
const CachedEntitlementHeader = "X-License-Cached"

// EntitlementGate protects feature namespaces behind the license
// status. Requests from unentitled installations receive an RFC 7807
// 428 problem; entitled-via-fallback requests pass with the cached
// indicator header set.
//
// The gate consults the manager's in-memory snapshot only. There is no
// caching layer here: CurrentStatus does no I/O and already re-applies
// the staleness window on every call.
type EntitlementGate struct {
	source StatusSource
	logger *slog.Logger

	excludedPaths    map[string]struct{}
	excludedPrefixes []string
}

// NewEntitlementGate builds a gate around the status source. The
// license endpoints themselves, health, metrics, and the websocket
// upgrade path are excluded by default so an unlicensed installation
// can still be activated and observed.
func NewEntitlementGate(source StatusSource, logger *slog.Logger) *EntitlementGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementGate{
		source: source,
		logger: logger.With(slog.String("component", "entitlement-gate")),
		excludedPaths: map[string]struct{}{
			"/metrics": {},
			"/ws":      {},
		},
		excludedPrefixes: []string{
			"/api/license",
			"/api/health",
		},
	}
}

// Exclude adds exact paths the gate lets through unconditionally.
func (g *EntitlementGate) Exclude(paths ...string) *EntitlementGate {
	for _, p := range paths {
		g.excludedPaths[p] = struct{}{}
	}
	return g
}

// ExcludePrefix adds path prefixes the gate lets through
// unconditionally.
func (g *EntitlementGate) ExcludePrefix(prefixes ...string) *EntitlementGate {
	g.excludedPrefixes = append(g.excludedPrefixes, prefixes...)
	return g
}

// Handler is the middleware.
func (g *EntitlementGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		view := g.source.CurrentStatus()
		if !view.Entitled {
			ctx := r.Context()
			g.logger.InfoContext(ctx, "request blocked: not entitled",
				slog.String("path", r.URL.Path),
				slog.String("reason", view.Reason),
				slog.String("license_key", view.MaskedKey),
			)

			problem := apperrors.NewEntitlementProblem(r.URL.Path, infrastructure.GetTraceID(ctx), view.Reason)
			render.Render(w, r, problem)
			return
		}

		if view.Cached {
			w.Header().Set(CachedEntitlementHeader, "true")
		}

		next.ServeHTTP(w, r)
	})
}

func (g *EntitlementGate) excluded(path string) bool {
	if _, ok := g.excludedPaths[path]; ok {
		return true
	}
	for _, prefix := range g.excludedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RequireTier gates a namespace on a minimum entitlement tier on top
// of plain entitlement. Tier order: standard < pro < enterprise.
func (g *EntitlementGate) RequireTier(min license.Tier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			view := g.source.CurrentStatus()
			if !view.Entitled || tierRank(view.Tier) < tierRank(min) {
				ctx := r.Context()
				g.logger.InfoContext(ctx, "request blocked: tier too low",
					slog.String("path", r.URL.Path),
					slog.String("tier", string(view.Tier)),
					slog.String("required", string(min)),
				)

				reason := view.Reason
				if reason == "" {
					reason = "tier_" + string(min) + "_required"
				}
				problem := apperrors.NewEntitlementProblem(r.URL.Path, infrastructure.GetTraceID(ctx), reason)
				render.Render(w, r, problem)
				return
			}

			if view.Cached {
				w.Header().Set(CachedEntitlementHeader, "true")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tierRank(t license.Tier) int {
	switch t {
	case license.TierStandard:
		return 1
	case license.TierPro:
		return 2
	case license.TierEnterprise:
		return 3
	default:
		return 0
	}
}
