package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/waddlebot/router/pkg/models"
)

// generateAPIKey returns a 32-byte random hex key, returned to the caller
// exactly once at creation/regeneration time.
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type createServiceAccountRequest struct {
	AccountName string             `json:"account_name"`
	AccountType models.AccountType `json:"account_type"`
	Platform    models.Platform    `json:"platform"`
	Permissions []string           `json:"permissions"`
	RateLimit   int                `json:"rate_limit"`
	Description string             `json:"description"`
	CreatedBy   string              `json:"created_by"`
}

// PostServiceAccount provisions a new service account and returns its
// plaintext API key, which is never persisted or retrievable again.
func (h *Handlers) PostServiceAccount(w http.ResponseWriter, r *http.Request) {
	var req createServiceAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountName == "" {
		respondError(w, http.StatusBadRequest, "account_name is required")
		return
	}

	plaintext, err := generateAPIKey()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}

	account := &models.ServiceAccount{
		AccountName: req.AccountName,
		AccountType: req.AccountType,
		Platform:    req.Platform,
		APIKeyHash:  hashKey(plaintext),
		Permissions: req.Permissions,
		IsActive:    true,
		RateLimit:   req.RateLimit,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
	}

	created, err := h.Store.CreateServiceAccount(r.Context(), account)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"service_account": created,
		"api_key":         plaintext,
	})
}

// PostServiceAccountRevoke deactivates a service account.
func (h *Handlers) PostServiceAccountRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(idParam(r, "accountID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	if err := h.Store.RevokeServiceAccount(r.Context(), id); err != nil {
		respondNotFoundOr500(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// PostServiceAccountRegenerate issues a new API key for an existing
// account, invalidating the previous one.
func (h *Handlers) PostServiceAccountRegenerate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(idParam(r, "accountID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	plaintext, err := generateAPIKey()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}
	if err := h.Store.RegenerateServiceAccountKey(r.Context(), id, hashKey(plaintext)); err != nil {
		respondNotFoundOr500(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"api_key": plaintext})
}

// GetServiceAccount fetches one service account's metadata (never the key).
func (h *Handlers) GetServiceAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(idParam(r, "accountID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	account, err := h.Store.GetServiceAccount(r.Context(), id)
	if err != nil {
		respondNotFoundOr500(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}
