package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/comigor/chatrelay/internal/logger"
)

const version = "1.0"

const healthCheckTimeout = 2 * time.Second

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health handles the health check endpoint. When a dependency check is
// configured and fails, it answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.healthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.healthCheck(ctx); err != nil {
			logger.L.Warn("health check failed", "error", err)
			h.JSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Version: version})
			return
		}
	}
	h.JSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: version})
}
