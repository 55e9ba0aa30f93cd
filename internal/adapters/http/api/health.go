package api

import (
	"context"
	"net/http"

	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/internal/domain/types"
)

// StatsProvider reports service statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (model.ServiceStats, error)
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	stats StatsProvider
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(stats StatsProvider) *HealthHandler {
	return &HealthHandler{stats: stats}
}

// HandleHealth handles GET /healthz. It fails with 503 when the key store
// cannot be reached.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	const op = "api.health"
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", WrapKind(op, ErrUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok", ServiceStats: stats})
}
