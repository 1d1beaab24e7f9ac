package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	apperrors "computehub/internal/errors"
	"computehub/internal/infrastructure"
)

const (
	// visitorTTL is how long an idle client keeps its token bucket.
	visitorTTL = 10 * time.Minute

	// retryAfterSeconds is advertised on 429 responses.
	retryAfterSeconds = 60
)

// RateLimiter throttles requests per client IP. Each IP gets its own
// token bucket so one aggressive activation client cannot starve the
// others.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	rps    rate.Limit
	burst  int
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-IP rate limiter allowing rps requests
// per second with the given burst. Stop releases its janitor.
func NewRateLimiter(rps float64, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Handler rejects over-limit requests with an RFC 7807 429 and a
// Retry-After header.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := clientIP(r)

		if !rl.allow(ip) {
			rl.logger.WarnContext(ctx, "rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", ip,
			)

			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			problem := apperrors.NewRateLimitProblem(r.URL.Path, infrastructure.GetTraceID(ctx), retryAfterSeconds)
			render.Render(w, r, problem)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Stop terminates the eviction janitor.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// janitor evicts buckets idle longer than visitorTTL so the map does
// not grow with every address ever seen.
func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(visitorTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-visitorTTL)
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if v.lastSeen.Before(cutoff) {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// clientIP trusts RemoteAddr, which the RealIP middleware has already
// rewritten from X-Forwarded-For / X-Real-IP when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
