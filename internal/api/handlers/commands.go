package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/waddlebot/router/internal/store"
	"github.com/waddlebot/router/pkg/models"
)

// GetCommands lists registered commands, paginated by limit/offset.
func (h *Handlers) GetCommands(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		Limit:  parseIntQuery(r, "limit", 50),
		Offset: parseIntQuery(r, "offset", 0),
	}
	commands, err := h.Store.ListCommands(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, commands)
}

// PostCommand registers a new command.
func (h *Handlers) PostCommand(w http.ResponseWriter, r *http.Request) {
	var cmd models.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cmd.Command == "" || cmd.Prefix == "" {
		respondError(w, http.StatusBadRequest, "command and prefix are required")
		return
	}
	created, err := h.Store.CreateCommand(r.Context(), &cmd)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// GetCommand fetches one command by id.
func (h *Handlers) GetCommand(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(idParam(r, "commandID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid command id")
		return
	}
	cmd, err := h.Store.GetCommand(r.Context(), id)
	if err != nil {
		respondNotFoundOr500(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cmd)
}

// PutCommand updates an existing command's configuration.
func (h *Handlers) PutCommand(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(idParam(r, "commandID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid command id")
		return
	}
	var cmd models.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd.ID = id
	if err := h.Store.UpdateCommand(r.Context(), &cmd); err != nil {
		respondNotFoundOr500(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cmd)

	h.CommandProc.InvalidateCommand(cmd.Prefix, cmd.Command)
}

// PostCommandActive toggles whether a command can be dispatched.
func (h *Handlers) PostCommandActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(idParam(r, "commandID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid command id")
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Store.SetCommandActive(r.Context(), id, req.Active); err != nil {
		respondNotFoundOr500(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}
