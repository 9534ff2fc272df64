// Package api implements the admin/introspection HTTP surface: liveness
// and readiness probes, the Prometheus scrape endpoint, a scheduled-queue
// depth snapshot, and alert listing/resolution. The client-facing
// submission API (with its own auth and payload validation) is out of
// scope; this surface is operational tooling only.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/api/handler"
	apimw "github.com/notifyhub/event-driven-arch/internal/api/middleware"
	"github.com/notifyhub/event-driven-arch/internal/coordination"
	"github.com/notifyhub/event-driven-arch/internal/recovery"
	"github.com/notifyhub/event-driven-arch/internal/repository"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	pool *pgxpool.Pool,
	coord *coordination.Client,
	alerts repository.AlertRepository,
	reconciler *recovery.Reconciler,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1 << 20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	hh := handler.NewHealthHandler(pool, coord)
	qh := handler.NewQueueHandler(coord)
	ah := handler.NewAlertHandler(alerts, reconciler, logger)

	// --- routes ---
	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queue", qh.GetQueueDepth)

		r.Get("/alerts", ah.List)
		r.Post("/alerts/{id}/resolve", ah.Resolve)
	})

	return r
}
