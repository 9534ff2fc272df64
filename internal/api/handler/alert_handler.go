package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/recovery"
	"github.com/notifyhub/event-driven-arch/internal/repository"
)

// AlertHandler exposes the recovery reconciler's unresolved alerts and
// the manual-intervention resolution operation.
type AlertHandler struct {
	alerts     repository.AlertRepository
	reconciler *recovery.Reconciler
	logger     *zap.Logger
}

func NewAlertHandler(alerts repository.AlertRepository, reconciler *recovery.Reconciler, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, reconciler: reconciler, logger: logger}
}

type resolveAlertRequest struct {
	Note string `json:"note"`
}

// List handles GET /api/v1/alerts
//
// @Summary  List unresolved alerts
// @Tags     alerts
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/alerts [get]
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alerts.ListUnresolved(r.Context(), 200)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": alerts})
}

// Resolve handles POST /api/v1/alerts/{id}/resolve
//
// @Summary  Resolve an alert, re-queueing its notification if applicable
// @Tags     alerts
// @Accept   json
// @Produce  json
// @Param    id    path  string               true  "Alert ID"
// @Param    body  body  resolveAlertRequest  false "Operator note"
// @Success  204
// @Failure  404  {object}  map[string]string
// @Failure  409  {object}  map[string]string
// @Router   /api/v1/alerts/{id}/resolve [post]
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveAlertRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if err := h.reconciler.ResolveAlert(r.Context(), id, req.Note); err != nil {
		h.logger.Warn("resolve alert failed", zap.String("alert_id", id), zap.Error(err))
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
