package config

import (
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the command router.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Router    RouterConfig
	Backends  BackendConfig
}

type DatabaseConfig struct {
	URL            string
	ReadReplicaURL string
	MaxConnections int
	MigrationsPath string
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL int // seconds
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	APIKeyHeader        string
	HeartbeatSecret     string
	HeartbeatTTLSeconds int
}

// RouterConfig mirrors the ROUTER_* settings the original router_module
// service reads, governing concurrency, caching, and retry behavior.
type RouterConfig struct {
	MaxWorkers            int
	MaxConcurrentRequests int
	RequestTimeoutSeconds int
	DefaultRateLimit      int
	RateLimitWindow       int
	CommandCacheTTL       int
	EntityCacheTTL        int
	MaxRetries            int
	RetryDelaySeconds      float64
	RetryBackoff           float64
	MetricsEnabled        bool
}

// BackendConfig carries the credentials and endpoints ExecutionEngine needs
// to dispatch to lambda/openwhisk backends and the platform-side REST APIs.
type BackendConfig struct {
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	OpenWhiskAPIHost   string
	OpenWhiskAuthKey   string
	OpenWhiskNamespace string
	CoreAPIURL         string
	MarketplaceAPIURL  string
	ContextAPIURL      string
	ReputationAPIURL   string
}

// Load reads configuration from environment variables with sensible defaults,
// then fails fast if a handful of required integration endpoints are unset.
func Load() *Config {
	cfg := &Config{
		Port:    envInt("ROUTER_PORT", 8080),
		Version: envStr("ROUTER_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			ReadReplicaURL: envStr("READ_REPLICA_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			MigrationsPath: envStr("DATABASE_MIGRATIONS_PATH", "internal/dbx/migrations"),
		},
		Redis: RedisConfig{
			Addr:       envStr("REDIS_ADDR", "localhost:6379"),
			Password:   envStr("REDIS_PASSWORD", ""),
			DB:         envInt("REDIS_DB", 0),
			SessionTTL: envInt("SESSION_TTL", 3600),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("ROUTER_OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "waddlebot-router"),
		},
		Auth: AuthConfig{
			APIKeyHeader:        envStr("AUTH_API_KEY_HEADER", "Authorization"),
			HeartbeatSecret:     envStr("COORDINATION_HEARTBEAT_SECRET", ""),
			HeartbeatTTLSeconds: envInt("COORDINATION_HEARTBEAT_TTL", 300),
		},
		Router: RouterConfig{
			MaxWorkers:            envInt("ROUTER_MAX_WORKERS", 20),
			MaxConcurrentRequests: envInt("ROUTER_MAX_CONCURRENT_REQUESTS", 100),
			RequestTimeoutSeconds: envInt("ROUTER_REQUEST_TIMEOUT", 30),
			DefaultRateLimit:      envInt("ROUTER_DEFAULT_RATE_LIMIT", 60),
			RateLimitWindow:       envInt("ROUTER_RATE_LIMIT_WINDOW", 60),
			CommandCacheTTL:       envInt("ROUTER_COMMAND_CACHE_TTL", 300),
			EntityCacheTTL:        envInt("ROUTER_ENTITY_CACHE_TTL", 600),
			MaxRetries:            envInt("ROUTER_MAX_RETRIES", 3),
			RetryDelaySeconds:     envFloat("ROUTER_RETRY_DELAY", 1.0),
			RetryBackoff:          envFloat("ROUTER_RETRY_BACKOFF", 2.0),
			MetricsEnabled:        envBool("ROUTER_METRICS_ENABLED", true),
		},
		Backends: BackendConfig{
			AWSRegion:          envStr("AWS_REGION", "us-east-1"),
			AWSAccessKeyID:     envStr("AWS_ACCESS_KEY_ID", ""),
			AWSSecretAccessKey: envStr("AWS_SECRET_ACCESS_KEY", ""),
			OpenWhiskAPIHost:   envStr("OPENWHISK_API_HOST", ""),
			OpenWhiskAuthKey:   envStr("OPENWHISK_AUTH_KEY", ""),
			OpenWhiskNamespace: envStr("OPENWHISK_NAMESPACE", "guest"),
			CoreAPIURL:         envStr("CORE_API_URL", ""),
			MarketplaceAPIURL:  envStr("MARKETPLACE_API_URL", ""),
			ContextAPIURL:      envStr("CONTEXT_API_URL", ""),
			ReputationAPIURL:   envStr("REPUTATION_API_URL", ""),
		},
	}

	if cfg.Database.URL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	if cfg.Backends.CoreAPIURL == "" {
		log.Fatal().Msg("CORE_API_URL is required")
	}
	if cfg.Backends.MarketplaceAPIURL == "" {
		log.Fatal().Msg("MARKETPLACE_API_URL is required")
	}

	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
