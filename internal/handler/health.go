package handler

import (
	"net/http"

	"github.com/capitalize-ai/support-chat/internal/service"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	hub *service.Hub
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(hub *service.Hub) *HealthHandler {
	return &HealthHandler{
		hub: hub,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "hub not initialized",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"peers":  h.hub.Total(),
	})
}
