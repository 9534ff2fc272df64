package handler

import (
	"net/http"

	"github.com/notifyhub/event-driven-arch/internal/coordination"
)

// QueueHandler serves a human-readable JSON snapshot of the scheduled
// queue depth. Raw Prometheus metrics (counters, histograms) are
// available at /metrics via promhttp.Handler and are separate from this
// endpoint.
type QueueHandler struct {
	coord *coordination.Client
}

func NewQueueHandler(coord *coordination.Client) *QueueHandler {
	return &QueueHandler{coord: coord}
}

// GetQueueDepth handles GET /api/v1/queue
//
// @Summary  Scheduled-delivery queue depth snapshot
// @Tags     queue
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/queue [get]
func (h *QueueHandler) GetQueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.coord.QueueDepth(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read queue depth")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"scheduled_queue_depth": depth})
}
