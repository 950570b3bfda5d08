package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/waddlebot/router/internal/store"
	"github.com/waddlebot/router/pkg/models"
)

// GetEntities lists routable entities, paginated by limit/offset.
func (h *Handlers) GetEntities(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		Limit:  parseIntQuery(r, "limit", 50),
		Offset: parseIntQuery(r, "offset", 0),
	}
	entities, err := h.Store.ListEntities(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entities)
}

// GetEntity fetches one entity by its numeric id.
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(idParam(r, "entityID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entity id")
		return
	}
	entity, err := h.Store.GetEntity(r.Context(), id)
	if err != nil {
		respondNotFoundOr500(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

// PostEntityPermission enables or reconfigures a command for an entity.
func (h *Handlers) PostEntityPermission(w http.ResponseWriter, r *http.Request) {
	entityID, err := strconv.ParseInt(idParam(r, "entityID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entity id")
		return
	}
	var perm models.CommandPermission
	if err := json.NewDecoder(r.Body).Decode(&perm); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	perm.EntityID = entityID

	saved, err := h.Store.UpsertPermission(r.Context(), &perm)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, saved)

	h.CommandProc.InvalidatePermission(saved.CommandID, saved.EntityID)
}
