package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/finfolio/api-gateway/internal/metrics"
)

// maxBodyBytes caps request bodies. Oversized bodies surface in the
// proxy handler as a 413.
const maxBodyBytes = 1024 * 250

type RouterDeps struct {
	Handler        *Handler
	EnableCORS     bool
	AllowedOrigins []string

	// Limiter nil disables rate limiting.
	Limiter         RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(middleware.RequestID)
	r.Use(HTTPLogger)
	r.Use(Metrics())

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if d.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.AllowedOrigins,
			AllowedMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete,
			},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}
	r.Use(middleware.RequestSize(maxBodyBytes))
	if d.Limiter != nil {
		r.Use(RateLimitMiddleware(d.Limiter, d.RateLimit, d.RateLimitWindow))
	}
	r.Use(SecurityHeaders)

	r.NotFound(d.Handler.NotFound)
	r.MethodNotAllowed(d.Handler.MethodNotAllowed)

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		proxy := d.Handler.Proxy

		r.Get("/statuses", d.Handler.HealthCheck)

		// accounts
		r.Post("/users", proxy)
		r.Get("/users/{uid}", proxy)
		r.Get("/users/{uid}/news", proxy)
		r.Get("/users/{uid}/earnings", proxy)
		r.Get("/users/{uid}/dividends", proxy)
		r.Get("/users/{uid}/day-prices", proxy)
		r.Get("/users/{uid}/day-price-periods", proxy)
		r.Get("/users/{uid}/view-history", proxy)

		// auth
		r.Post("/refresh-tokens", proxy)
		r.Delete("/refresh-tokens/{refresh-token}", proxy)
		r.Post("/sessions", proxy)
		r.Get("/confirmation-codes", proxy)
		r.Post("/confirmation-codes/{id}", proxy)
		r.Post("/password-confirmation-codes", proxy)
		r.Post("/password-confirmation-codes/{id}", proxy)

		// billing
		r.Get("/plans", proxy)

		// portfolios
		r.Get("/portfolios", proxy)
		r.Post("/portfolios", proxy)
		r.Get("/portfolios/{pid}", proxy)
		r.Patch("/portfolios/{pid}", proxy)
		r.Delete("/portfolios/{pid}", proxy)
		r.Post("/portfolios/{pid}/relationships/securities", proxy)
		r.Delete("/portfolios/{pid}/relationships/securities", proxy)
		r.Get("/portfolios/{pid}/securities", proxy)
		r.Get("/portfolios/{pid}/securities/{sid}/transactions", proxy)
		r.Post("/portfolios/{pid}/securities/{sid}/transactions", proxy)
		r.Get("/portfolios/{pid}/securities/{sid}/transactions/{tid}", proxy)
		r.Patch("/portfolios/{pid}/securities/{sid}/transactions/{tid}", proxy)
		r.Delete("/portfolios/{pid}/securities/{sid}/transactions/{tid}", proxy)
		r.Get("/portfolios/{pid}/news", proxy)
		r.Get("/portfolios/{pid}/earnings", proxy)
		r.Get("/portfolios/{pid}/dividends", proxy)
		r.Get("/portfolios/{pid}/day-prices", proxy)
		r.Get("/portfolios/{pid}/day-price-periods", proxy)

		// market data
		r.Get("/securities", proxy)
		r.Get("/securities/{sid}", proxy)
		r.Get("/securities/{sid}/news", proxy)
		r.Get("/securities/{sid}/day-prices", proxy)
		r.Get("/securities/{sid}/day-price-periods", proxy)
		r.Get("/securities/{sid}/quarterly-balance-sheet", proxy)
		r.Get("/securities/{sid}/annual-balance-sheet", proxy)
		r.Get("/securities/{sid}/quarterly-income-statements", proxy)
		r.Get("/securities/{sid}/annual-income-statements", proxy)

		// reference data
		r.Get("/countries", proxy)
		r.Get("/currencies", proxy)
		r.Get("/sectors", proxy)
		r.Get("/industries", proxy)
		r.Get("/exchanges", proxy)
	})

	return r
}
