package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/event-driven-arch/internal/coordination"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	pool  *pgxpool.Pool
	coord *coordination.Client
}

func NewHealthHandler(pool *pgxpool.Pool, coord *coordination.Client) *HealthHandler {
	return &HealthHandler{pool: pool, coord: coord}
}

// Health handles GET /health: a liveness probe that never touches
// dependencies, so it stays fast and cheap for container orchestrators.
//
// @Summary  Liveness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Router   /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready: a readiness probe that pings both stores.
//
// @Summary  Readiness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]any
// @Failure  503  {object}  map[string]any
// @Router   /ready [get]
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := h.pool.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	} else {
		checks["store"] = "ok"
	}

	if err := h.coord.Ping(ctx); err != nil {
		checks["coordination"] = err.Error()
		healthy = false
	} else {
		checks["coordination"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{"status": checks})
}
