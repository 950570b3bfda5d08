package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/waddlebot/router/pkg/models"
)

// GetStringRules lists every configured string-match rule.
func (h *Handlers) GetStringRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListAllRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

// PostStringRule creates a new string-match rule.
func (h *Handlers) PostStringRule(w http.ResponseWriter, r *http.Request) {
	var rule models.StringMatchRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil || rule.Pattern == "" {
		respondError(w, http.StatusBadRequest, "pattern is required")
		return
	}
	created, err := h.Store.CreateRule(r.Context(), &rule)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
	h.StringMatch.InvalidateAll()
}

// GetStringRule fetches one string-match rule by id.
func (h *Handlers) GetStringRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(idParam(r, "ruleID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, err := h.Store.GetRule(r.Context(), id)
	if err != nil {
		respondNotFoundOr500(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// PutStringRule updates an existing string-match rule.
func (h *Handlers) PutStringRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(idParam(r, "ruleID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	var rule models.StringMatchRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rule.ID = id
	if err := h.Store.UpdateRule(r.Context(), &rule); err != nil {
		respondNotFoundOr500(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
	h.StringMatch.InvalidateAll()
}

// DeleteStringRule removes a string-match rule.
func (h *Handlers) DeleteStringRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(idParam(r, "ruleID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	if err := h.Store.DeleteRule(r.Context(), id); err != nil {
		respondNotFoundOr500(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	h.StringMatch.InvalidateAll()
}
