package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/waddlebot/router/internal/metrics"
	"github.com/waddlebot/router/pkg/models"
)

type claimRequest struct {
	Platform    models.Platform `json:"platform"`
	ContainerID string          `json:"container_id"`
	MaxClaims   int             `json:"max_claims"`
}

// PostCoordinationClaim leases up to MaxClaims available entities on a
// platform to a collector container.
func (h *Handlers) PostCoordinationClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContainerID == "" {
		respondError(w, http.StatusBadRequest, "invalid claim request")
		return
	}
	if req.MaxClaims <= 0 {
		req.MaxClaims = 1
	}

	claimed, err := h.Coordinator.Claim(r.Context(), req.Platform, req.ContainerID, req.MaxClaims)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.CoordinationClaimsActive.WithLabelValues(string(req.Platform)).Add(float64(len(claimed)))

	resp := map[string]interface{}{"claimed": claimed, "count": len(claimed)}
	if h.Tokens != nil {
		token, err := h.Tokens.Issue(req.ContainerID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to issue heartbeat token")
			return
		}
		resp["heartbeat_token"] = token
	}
	respondJSON(w, http.StatusOK, resp)
}

type releaseRequest struct {
	ContainerID string   `json:"container_id"`
	EntityIDs   []string `json:"entity_ids"`
}

// PostCoordinationRelease gives back claims a container no longer wants.
func (h *Handlers) PostCoordinationRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContainerID == "" {
		respondError(w, http.StatusBadRequest, "invalid release request")
		return
	}
	count, err := h.Coordinator.Release(r.Context(), req.ContainerID, req.EntityIDs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"released": count})
}

type checkinRequest struct {
	ContainerID string `json:"container_id"`
}

// PostCoordinationCheckin renews the lease expiry on everything a container
// currently holds (the collector heartbeat).
func (h *Handlers) PostCoordinationCheckin(w http.ResponseWriter, r *http.Request) {
	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContainerID == "" {
		respondError(w, http.StatusBadRequest, "invalid checkin request")
		return
	}
	count, err := h.Coordinator.Checkin(r.Context(), req.ContainerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"renewed": count})
}

type statusRequest struct {
	ContainerID string                 `json:"container_id"`
	EntityID    string                 `json:"entity_id"`
	IsLive      *bool                  `json:"is_live,omitempty"`
	ViewerCount *int                   `json:"viewer_count,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	HasActivity bool                   `json:"has_activity"`
}

// PostCoordinationStatus records liveness/viewer-count/activity for one claimed entity.
func (h *Handlers) PostCoordinationStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContainerID == "" || req.EntityID == "" {
		respondError(w, http.StatusBadRequest, "invalid status request")
		return
	}
	err := h.Coordinator.UpdateStatus(r.Context(), req.ContainerID, req.EntityID, req.IsLive, req.ViewerCount, req.Metadata, req.HasActivity)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PostCoordinationError increments the error counter on a claimed entity;
// the store flips its status to error once the count reaches three.
func (h *Handlers) PostCoordinationError(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContainerID == "" || req.EntityID == "" {
		respondError(w, http.StatusBadRequest, "invalid error report")
		return
	}
	count, err := h.Coordinator.ReportError(r.Context(), req.ContainerID, req.EntityID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"error_count": count})
}

// PostCoordinationReleaseOffline gives back every entity a container is
// claiming that's gone offline, so another collector can re-claim it.
func (h *Handlers) PostCoordinationReleaseOffline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform    models.Platform `json:"platform"`
		ContainerID string          `json:"container_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContainerID == "" {
		respondError(w, http.StatusBadRequest, "invalid request")
		return
	}
	released, err := h.Coordinator.ReleaseOfflineEntities(r.Context(), req.Platform, req.ContainerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"released": released})
}

// PostCoordinationPopulate seeds Coordination rows from registered servers
// for a platform, creating leaseable entries for entities not yet tracked.
func (h *Handlers) PostCoordinationPopulate(w http.ResponseWriter, r *http.Request) {
	platform := models.Platform(r.URL.Query().Get("platform"))
	if platform == "" {
		respondError(w, http.StatusBadRequest, "platform query parameter required")
		return
	}
	count, err := h.Coordinator.Populate(r.Context(), platform)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"populated": count})
}

// GetCoordinationEntities lists what a container currently has claimed.
func (h *Handlers) GetCoordinationEntities(w http.ResponseWriter, r *http.Request) {
	containerID := r.URL.Query().Get("container_id")
	if containerID == "" {
		respondError(w, http.StatusBadRequest, "container_id query parameter required")
		return
	}
	entities, err := h.Coordinator.ListClaimedBy(r.Context(), containerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entities)
}

// GetCoordinationStats returns total, available, claimed and live entity
// counts plus per-container claimed/live counts, used by the admin dashboard
// and alerting.
func (h *Handlers) GetCoordinationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Coordinator.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// PostCoordinationHeartbeat renews a container's claims using the bearer
// token issued at claim time instead of a bare container_id. The checkin and
// release endpoints still act on a bare container_id.
func (h *Handlers) PostCoordinationHeartbeat(w http.ResponseWriter, r *http.Request) {
	if h.Tokens == nil {
		respondError(w, http.StatusNotImplemented, "heartbeat tokens are not configured")
		return
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		respondError(w, http.StatusUnauthorized, "bearer heartbeat token required")
		return
	}

	containerID, err := h.Tokens.Verify(auth[len(prefix):])
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid or expired heartbeat token")
		return
	}

	count, err := h.Coordinator.Checkin(r.Context(), containerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"renewed": count})
}

func parseIntQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
