package rest

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/finfolio/api-gateway/internal/metrics"
	"github.com/finfolio/api-gateway/internal/transport/rest/response"
)

// RateLimiter is the slice of the redis cache the router needs.
type RateLimiter interface {
	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}

// Metrics records one observation per request, keyed by the matched route
// template so path parameters do not explode the label space.
func Metrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			metrics.RecordHTTPRequest(r.Method, matchedRoute(r), status, time.Since(start))
		})
	}
}

// matchedRoute is the chi pattern that served the request, in colon form,
// or "unmatched" when routing never assigned one. Both the access log and
// the metric labels key on it, so the value space stays finite.
func matchedRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return colonizeParams(pattern)
		}
	}
	return "unmatched"
}

// RateLimitMiddleware rejects clients that exceeded their window with a
// JSON:API 429. Keys on the socket peer, not forwarding headers: those
// are spoofable and this limiter is the only thing between a flood and
// the workers.
func RateLimitMiddleware(limiter RateLimiter, limit int, window time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, _ := limiter.AllowRequest(r.Context(), peerIP(r), limit, window)
			if !allowed {
				response.Error(w, http.StatusTooManyRequests,
					"429", "Too many requests", "Request rate limit exceeded. Try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}
