package api

import (
	"time"

	"github.com/athebyme/storesync/internal/api/handlers"
	"github.com/athebyme/storesync/internal/api/middleware"
	"github.com/athebyme/storesync/internal/ports"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter builds the operator HTTP surface (spec.md §6): read-only
// status endpoints plus two localhost-only mutating ones. Replaces the
// teacher's Keycloak-gated /api/v1/products CRUD surface entirely —
// StoreSync has no multi-tenant product API, just an operator dashboard.
func SetupRouter(
	operator *handlers.OperatorHandler,
	logger ports.LoggerPort,
	bearerAuthEnabled bool,
	bearerSecret string,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.BearerAuth(bearerAuthEnabled, bearerSecret))

	r.Get("/health", operator.Health)
	// /metrics is the per-store JSON rollup spec.md §7 describes
	// ("consecutive failures and rate-limit hits"); the prometheus
	// scrape endpoint lives at /metrics/prometheus so the two never
	// collide on content type.
	r.Get("/metrics", operator.Metrics)
	r.Get("/metrics/prometheus", promhttp.Handler().ServeHTTP)
	r.Get("/metrics/store/{id}", operator.StoreMetrics)
	r.Get("/metrics/history", operator.History)
	r.Get("/circuit-breakers", operator.CircuitBreakers)

	r.With(middleware.LocalhostOnly).Post("/circuit-breakers/reset/{name}", operator.ResetCircuitBreaker)
	r.With(middleware.LocalhostOnly).Post("/trigger-sync", operator.TriggerSync)

	return r
}
