package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waddlebot/router/internal/api/handlers"
	"github.com/waddlebot/router/internal/api/middleware"
	"github.com/waddlebot/router/internal/config"
)

// NewRouter assembles the router's HTTP surface: event ingestion, command
// and entity administration, coordination leases, string-match rule CRUD,
// and service-account management, fronted by the standard chi middleware
// stack plus an optional service-account auth gate.
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *middleware.ServiceAccountAuth) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	if auth != nil {
		r.Use(auth.Middleware)
	}

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/router/metrics", promhttp.Handler())

	r.Route("/router", func(r chi.Router) {
		r.Get("/health", h.GetHealth)

		r.Route("/events", func(r chi.Router) {
			r.Post("/", h.PostEvent)
			r.Post("/batch", h.PostEventBatch)
		})

		r.Route("/commands", func(r chi.Router) {
			r.Get("/", h.GetCommands)
			r.Post("/", h.PostCommand)
			r.Route("/{commandID}", func(r chi.Router) {
				r.Get("/", h.GetCommand)
				r.Put("/", h.PutCommand)
				r.Post("/active", h.PostCommandActive)
			})
		})

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", h.GetEntities)
			r.Route("/{entityID}", func(r chi.Router) {
				r.Get("/", h.GetEntity)
				r.Post("/permissions", h.PostEntityPermission)
			})
		})

		r.Route("/string-rules", func(r chi.Router) {
			r.Get("/", h.GetStringRules)
			r.Post("/", h.PostStringRule)
			r.Route("/{ruleID}", func(r chi.Router) {
				r.Get("/", h.GetStringRule)
				r.Put("/", h.PutStringRule)
				r.Delete("/", h.DeleteStringRule)
			})
		})

		r.Route("/coordination", func(r chi.Router) {
			r.Post("/claim", h.PostCoordinationClaim)
			r.Post("/release", h.PostCoordinationRelease)
			r.Post("/checkin", h.PostCoordinationCheckin)
			r.Post("/heartbeat", h.PostCoordinationHeartbeat)
			r.Post("/status", h.PostCoordinationStatus)
			r.Post("/error", h.PostCoordinationError)
			r.Post("/release-offline", h.PostCoordinationReleaseOffline)
			r.Post("/populate", h.PostCoordinationPopulate)
			r.Get("/entities", h.GetCoordinationEntities)
			r.Get("/stats", h.GetCoordinationStats)
		})
	})

	r.Route("/admin/service-accounts", func(r chi.Router) {
		r.Post("/", h.PostServiceAccount)
		r.Route("/{accountID}", func(r chi.Router) {
			r.Get("/", h.GetServiceAccount)
			r.Post("/revoke", h.PostServiceAccountRevoke)
			r.Post("/regenerate", h.PostServiceAccountRegenerate)
		})
	})

	return r
}

// parseCORSOrigins reads allowed CORS origins from the environment.
// Default: wildcard (open access, no credentials).
//
//	WADDLEBOT_CORS_ORIGINS=https://dashboard.example.com,http://localhost:5173
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("WADDLEBOT_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "waddlebot-router",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "waddlebot-router",
		})
	}
}
