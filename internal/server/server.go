// Package server implements the inbound HTTP transport: chi router,
// middleware, SSE streaming, and the admin API.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/app"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/limits"
	"github.com/eugener/palantir/internal/ratelimit"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/usage"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server. Auth and Dispatcher are
// required; nil optional deps disable their feature.
type Deps struct {
	Auth       proxy.Authenticator
	Dispatcher *app.Dispatcher
	Pool       *keypool.Pool    // admin key CRUD and usage snapshot
	Usage      *usage.Tracker   // admin usage snapshot
	Limits     *limits.Registry // model axis of the usage snapshot

	RateLimiter *ratelimit.Limiter  // nil = no per-IP limiting
	Metrics     *telemetry.Metrics  // nil = no request metrics
	Gatherer    prometheus.Gatherer // nil = no /metrics endpoint
	ReadyCheck  ReadyChecker        // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// OpenAI-compatible surface
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	// Native passthrough surface. normalizeAuth maps the provider-style
	// x-goog-api-key header onto Authorization: Bearer so the authenticate
	// middleware works unchanged.
	r.Group(func(r chi.Router) {
		r.Use(normalizeAuth("X-Goog-Api-Key"))
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v2/models/{model}:{action}", s.handleNative)
	})

	// Caller-scoped cache handles
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Get("/api/v1/caches", s.handleListCaches)
		r.Delete("/api/v1/caches/{id}", s.handleDeleteCache)
	})

	// Admin surface
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireAdmin)
		r.Get("/keys", s.handleListKeys)
		r.Post("/keys", s.handleCreateKey)
		r.Get("/keys/{id}", s.handleGetKey)
		r.Patch("/keys/{id}", s.handleUpdateKey)
		r.Delete("/keys/{id}", s.handleDeleteKey)
		r.Get("/usage", s.handleUsage)
	})

	return r
}

type server struct {
	deps Deps
}
