// Package server implements the HTTP transport layer: route dispatch,
// request-scoped middleware, the health endpoint, and the admin usage API.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"

	"github.com/ccgate/ccgate/internal/config"
	"github.com/ccgate/ccgate/internal/telemetry"
	"github.com/ccgate/ccgate/internal/usage"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Config         *config.Store
	Proxy          http.Handler       // Anthropic reverse proxy (catch-all)
	OpenAI         http.Handler       // OpenAI chat completions front-end
	Usage          *usage.Store       // nil = no admin usage API
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	StartTime      time.Time
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}
	if s.deps.StartTime.IsZero() {
		s.deps.StartTime = time.Now()
	}

	r := chi.NewRouter()

	// Global middleware. CORS is fully permissive: the proxy is keyed by
	// tenant secrets, not browser origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(s.allowAllOptions)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no tenant auth).
	r.Get("/health", s.handleHealth)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// OpenAI compatibility front-end.
	if deps.OpenAI != nil {
		r.Post("/openai/v1/chat/completions", deps.OpenAI.ServeHTTP)
	}

	// Admin usage API, basic-auth protected. Mounted at the configured
	// prefix from the startup snapshot; changing it requires a restart.
	adminCfg := deps.Config.Get().Admin
	if adminCfg.Enabled && deps.Usage != nil {
		r.Route(adminCfg.Path, func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Get("/usage/daily", s.handleDailyUsage)
			r.Get("/usage/weekly", s.handleWeeklyUsage)
			r.Get("/usage/monthly", s.handleMonthlyUsage)
			r.Get("/usage/range", s.handleRangeUsage)
			r.Get("/limits", s.handleLimits)
			r.Get("/tenants", s.handleTenants)
		})
	}

	// Everything else is proxied: /anthropic/** with a prefix strip,
	// any other path as a transparent pass-through.
	r.Handle("/*", deps.Proxy)

	return r
}

type server struct {
	deps Deps
}
