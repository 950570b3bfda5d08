package handlers

import "net/http"

// GetHealth reports router liveness and DB connectivity.
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "waddlebot-router"})
}
