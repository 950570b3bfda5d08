// Package handlers implements the router's HTTP handlers: event ingestion,
// command/entity/string-rule CRUD, coordination lease management, and
// service account administration.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/waddlebot/router/internal/apierr"
	"github.com/waddlebot/router/internal/commandproc"
	"github.com/waddlebot/router/internal/coordination"
	"github.com/waddlebot/router/internal/rbac"
	"github.com/waddlebot/router/internal/stringmatch"
	"github.com/waddlebot/router/internal/store"
)

// Handlers holds every dependency the route tree's handlers need.
type Handlers struct {
	Store        store.Store
	CommandProc  *commandproc.Processor
	Coordinator  *coordination.Coordinator
	RBAC         *rbac.Resolver
	StringMatch  *stringmatch.Matcher
	Tokens       *coordination.TokenIssuer
}

// New builds a Handlers bundle.
func New(s store.Store, cp *commandproc.Processor, coord *coordination.Coordinator, rb *rbac.Resolver, sm *stringmatch.Matcher, tokens *coordination.TokenIssuer) *Handlers {
	return &Handlers{
		Store:       s,
		CommandProc: cp,
		Coordinator: coord,
		RBAC:        rb,
		StringMatch: sm,
		Tokens:      tokens,
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func idParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// hashKey is the same SHA-256 digest middleware.ServiceAccountAuth checks
// incoming keys against — the only form of an API key ever persisted.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// respondNotFoundOr500 maps a store error to 404 when it is the NotFound
// sentinel, else 500 — the handler-layer analogue of commandproc's isNotFound.
func respondNotFoundOr500(w http.ResponseWriter, err error) {
	respondFromError(w, err)
}

// respondFromError dispatches an error to its HTTP status by apierr sentinel
// type, per the router's error taxonomy: NotFound/RateLimited/Forbidden/
// Conflict each carry their own status, everything else is a 500.
func respondFromError(w http.ResponseWriter, err error) {
	var nf *apierr.NotFound
	if errors.As(err, &nf) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	var rl *apierr.RateLimited
	if errors.As(err, &rl) {
		respondError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	var fb *apierr.Forbidden
	if errors.As(err, &fb) {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}
	var cf *apierr.Conflict
	if errors.As(err, &cf) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	var ua *apierr.Unauthorized
	if errors.As(err, &ua) {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
