// Package server provides the public entry point for initializing the
// WaddleBot command router: Postgres store, Redis-backed cache/sessions,
// the RBAC/string-match/rate-limit/coordination services, the execution
// engine, and the HTTP router over all of it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/waddlebot/router/internal/api"
	"github.com/waddlebot/router/internal/api/handlers"
	"github.com/waddlebot/router/internal/api/middleware"
	"github.com/waddlebot/router/internal/cache"
	"github.com/waddlebot/router/internal/commandproc"
	"github.com/waddlebot/router/internal/config"
	"github.com/waddlebot/router/internal/coordination"
	"github.com/waddlebot/router/internal/dbx"
	"github.com/waddlebot/router/internal/execengine"
	"github.com/waddlebot/router/internal/ratelimit"
	"github.com/waddlebot/router/internal/rbac"
	"github.com/waddlebot/router/internal/sessions"
	"github.com/waddlebot/router/internal/store"
	"github.com/waddlebot/router/internal/stringmatch"
	"github.com/waddlebot/router/internal/telemetry"
)

// Server holds the fully wired router, ready to be handed to an http.Server.
type Server struct {
	Handler      http.Handler
	Store        store.Store
	Coordinator  *coordination.Coordinator
	Port         int
	ShutdownFunc func(context.Context) error
}

// New loads configuration, connects to Postgres and Redis, runs migrations,
// and builds the router's full dependency graph.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if err := dbx.Migrate(cfg.Database.URL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("database migrations applied")

	pool, err := dbx.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	readPool, err := dbx.ConnectReadReplica(ctx, cfg.Database.ReadReplicaURL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("connect read replica: %w", err)
	}
	pg := store.New(pool, readPool)
	log.Info().Msg("postgres store initialized")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info().Msg("redis connection established")

	c := cache.New(
		time.Duration(cfg.Router.CommandCacheTTL)*time.Second,
		time.Duration(cfg.Router.EntityCacheTTL)*time.Second,
	)
	go c.Start(ctx)

	limiter := ratelimit.New(
		cfg.Router.DefaultRateLimit,
		time.Duration(cfg.Router.RateLimitWindow)*time.Second,
		pg,
	)
	go limiter.Start(ctx)

	sessStore := sessions.New(rdb, time.Duration(cfg.Redis.SessionTTL)*time.Second)

	matcher := stringmatch.New(pg, "")
	rbacResolver := rbac.New(pg)
	coordinator := coordination.New(pg)
	go coordinator.Start(ctx)

	backends := []execengine.Backend{
		execengine.NewContainerBackend(),
		execengine.NewWebhookBackend(),
		execengine.NewOpenWhiskBackend(execengine.OpenWhiskConfig{
			APIHost:   cfg.Backends.OpenWhiskAPIHost,
			AuthKey:   cfg.Backends.OpenWhiskAuthKey,
			Namespace: cfg.Backends.OpenWhiskNamespace,
		}),
	}
	if cfg.Backends.AWSAccessKeyID != "" {
		invoker, err := execengine.NewAWSLambdaInvoker(ctx, cfg.Backends.AWSRegion, cfg.Backends.AWSAccessKeyID, cfg.Backends.AWSSecretAccessKey)
		if err != nil {
			log.Warn().Err(err).Msg("lambda backend unavailable, AWS credentials rejected")
		} else {
			backends = append(backends, execengine.NewLambdaBackend(invoker, execengine.LambdaConfig{
				MaxRetries:  cfg.Router.MaxRetries,
				RetryDelay:  time.Duration(cfg.Router.RetryDelaySeconds * float64(time.Second)),
				RetryFactor: cfg.Router.RetryBackoff,
			}))
		}
	}
	engine := execengine.New(backends...)

	var reputation commandproc.ReputationClient
	if cfg.Backends.ReputationAPIURL != "" {
		reputation = commandproc.NewHTTPReputationClient(cfg.Backends.ReputationAPIURL)
	}

	proc := commandproc.New(pg, c, limiter, sessStore, matcher, rbacResolver, engine, reputation)

	var tokens *coordination.TokenIssuer
	if cfg.Auth.HeartbeatSecret != "" {
		tokens = coordination.NewTokenIssuer(cfg.Auth.HeartbeatSecret, time.Duration(cfg.Auth.HeartbeatTTLSeconds)*time.Second)
	}

	h := handlers.New(pg, proc, coordinator, rbacResolver, matcher, tokens)
	auth := middleware.NewServiceAccountAuth(pg)
	router := api.NewRouter(cfg, h, auth)

	return &Server{
		Handler:      router,
		Store:        pg,
		Coordinator:  coordinator,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
