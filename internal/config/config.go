// Package config provides configuration management for the WhatsApp edge
// router. It loads every tunable from environment variables exactly once at
// startup, applies documented defaults, and clamps numeric values to safety
// floors so that a misconfigured deployment can degrade protection but never
// disable it.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - WA_SERVICE_NAME: Name reported in health/routing headers (default: wa-webhook-core)
//
// Downstream Services:
//   - WA_MICROSERVICES_BASE_URL: Base URL for routed services (required)
//   - WA_SERVICE_ROLE_KEY: Bearer token forwarded to downstream services
//   - WA_ROUTER_TIMEOUT_MS: Per-attempt forward timeout (default: 4000, floor: 1000)
//
// Security:
//   - WA_VERIFY_TOKEN: Verification handshake token (required)
//   - WA_APP_SECRET: HMAC secret for webhook signatures (required unless
//     WA_ALLOW_UNSIGNED=true)
//   - WA_INTERNAL_JWT_SECRET: Secret for internal-forward JWTs
//   - WA_ALLOW_UNSIGNED: Accept unsigned requests with a warning (default: false)
//
// Circuit Breaker:
//   - WA_CIRCUIT_BREAKER_THRESHOLD: Failures before opening (default: 5, floor: 2)
//   - WA_CIRCUIT_BREAKER_TIMEOUT_MS: Open duration (default: 30000, floor: 5000)
//
// Rate Limiting:
//   - WA_RATE_LIMIT_WINDOW_MS: Fixed window size (default: 60000, floor: 1000)
//   - WA_RATE_LIMIT_MAX_REQUESTS: Requests per window (default: 30, floor: 1)
//   - WA_CLEANUP_INTERVAL: Sweep every N requests (default: 100, floor: 1)
//
// Retries:
//   - WA_MAX_RETRY_ATTEMPTS: Retries after the first attempt (default: 2, floor: 0)
//   - WA_BASE_RETRY_DELAY_MS: Backoff base delay (default: 200, floor: 50)
//   - WA_RETRIABLE_STATUS_CODES: Comma-separated list (default: 408,429,503,504)
//
// Telemetry:
//   - WA_LATENCY_WINDOW_SIZE: Rolling sample count (default: 120, floor: 10)
//   - WA_CORE_COLD_START_SLO_MS: Cold start SLO (default: 1750)
//   - WA_CORE_P95_SLO_MS: p95 latency SLO (default: 1200)
//
// Routing:
//   - FEATURE_UNIFIED_WEBHOOK: Route all traffic to the unified service (default: false)
//
// Dead Letter Store:
//   - DLQ_BACKEND: "sqlite", "postgres" or "redis" (default: sqlite)
//   - DLQ_SQLITE_PATH: SQLite file path (default: ./wa_router_dlq.db)
//   - DLQ_POSTGRES_URL: Postgres connection string
//   - DLQ_REDIS_ADDRESS: Redis address (default: localhost:6379)
//   - DLQ_REDIS_PASSWORD: Redis password
//   - DLQ_REDIS_DB: Redis database number (default: 0)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the router. It is built once by Load,
// clamped by Validate, and passed by reference; nothing re-reads the
// environment afterwards.
type Config struct {
	// Application settings
	Port        string
	LogLevel    string
	ServiceName string

	// Downstream services
	BaseURL        string
	ServiceRoleKey string
	RouterTimeout  time.Duration

	// Security
	VerifyToken       string
	AppSecret         string
	InternalJWTSecret string
	AllowUnsigned     bool

	// Circuit breaker
	CircuitThreshold   int
	CircuitOpenTimeout time.Duration

	// Rate limiting
	RateLimitWindow time.Duration
	RateLimitMax    int
	SweepInterval   int

	// Retries
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetriableStatusCodes []int

	// Telemetry
	LatencyWindowSize int
	ColdStartSLO      time.Duration
	P95SLO            time.Duration

	// Routing
	UnifiedRouting bool

	// Dead letter store
	DLQBackend       string
	DLQSQLitePath    string
	DLQPostgresURL   string
	DLQRedisAddress  string
	DLQRedisPassword string
	DLQRedisDB       int
}

// Load creates a Config from environment variables. Call Validate on the
// result before use.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ServiceName: getEnv("WA_SERVICE_NAME", "wa-webhook-core"),

		BaseURL:        getEnv("WA_MICROSERVICES_BASE_URL", ""),
		ServiceRoleKey: getEnv("WA_SERVICE_ROLE_KEY", ""),
		RouterTimeout:  getEnvMillis("WA_ROUTER_TIMEOUT_MS", 4000),

		VerifyToken:       getEnv("WA_VERIFY_TOKEN", ""),
		AppSecret:         getEnv("WA_APP_SECRET", ""),
		InternalJWTSecret: getEnv("WA_INTERNAL_JWT_SECRET", ""),
		AllowUnsigned:     getEnvBool("WA_ALLOW_UNSIGNED", false),

		CircuitThreshold:   getEnvInt("WA_CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitOpenTimeout: getEnvMillis("WA_CIRCUIT_BREAKER_TIMEOUT_MS", 30000),

		RateLimitWindow: getEnvMillis("WA_RATE_LIMIT_WINDOW_MS", 60000),
		RateLimitMax:    getEnvInt("WA_RATE_LIMIT_MAX_REQUESTS", 30),
		SweepInterval:   getEnvInt("WA_CLEANUP_INTERVAL", 100),

		RetryMaxAttempts:     getEnvInt("WA_MAX_RETRY_ATTEMPTS", 2),
		RetryBaseDelay:       getEnvMillis("WA_BASE_RETRY_DELAY_MS", 200),
		RetriableStatusCodes: getEnvIntList("WA_RETRIABLE_STATUS_CODES", []int{408, 429, 503, 504}),

		LatencyWindowSize: getEnvInt("WA_LATENCY_WINDOW_SIZE", 120),
		ColdStartSLO:      getEnvMillis("WA_CORE_COLD_START_SLO_MS", 1750),
		P95SLO:            getEnvMillis("WA_CORE_P95_SLO_MS", 1200),

		UnifiedRouting: getEnvBool("FEATURE_UNIFIED_WEBHOOK", false),

		DLQBackend:       getEnv("DLQ_BACKEND", "sqlite"),
		DLQSQLitePath:    getEnv("DLQ_SQLITE_PATH", "./wa_router_dlq.db"),
		DLQPostgresURL:   getEnv("DLQ_POSTGRES_URL", ""),
		DLQRedisAddress:  getEnv("DLQ_REDIS_ADDRESS", "localhost:6379"),
		DLQRedisPassword: getEnv("DLQ_REDIS_PASSWORD", ""),
		DLQRedisDB:       getEnvInt("DLQ_REDIS_DB", 0),
	}
}

// Validate clamps numeric settings to their safety floors and reports missing
// required values. Out-of-range numerics are corrected, not rejected; a bad
// threshold must weaken protection, never switch it off.
func (c *Config) Validate() error {
	if c.CircuitThreshold < 2 {
		c.CircuitThreshold = 2
	}
	if c.CircuitOpenTimeout < 5*time.Second {
		c.CircuitOpenTimeout = 5 * time.Second
	}
	if c.RateLimitWindow < time.Second {
		c.RateLimitWindow = time.Second
	}
	if c.RateLimitMax < 1 {
		c.RateLimitMax = 1
	}
	if c.SweepInterval < 1 {
		c.SweepInterval = 1
	}
	if c.RetryMaxAttempts < 0 {
		c.RetryMaxAttempts = 0
	}
	if c.RetryBaseDelay < 50*time.Millisecond {
		c.RetryBaseDelay = 50 * time.Millisecond
	}
	if c.RouterTimeout < time.Second {
		c.RouterTimeout = time.Second
	}
	if c.LatencyWindowSize < 10 {
		c.LatencyWindowSize = 10
	}
	if len(c.RetriableStatusCodes) == 0 {
		c.RetriableStatusCodes = []int{408, 429, 503, 504}
	}

	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "WA_MICROSERVICES_BASE_URL")
	}
	if c.VerifyToken == "" {
		missing = append(missing, "WA_VERIFY_TOKEN")
	}
	if c.AppSecret == "" && !c.AllowUnsigned {
		missing = append(missing, "WA_APP_SECRET")
	}

	switch c.DLQBackend {
	case "sqlite", "redis":
	case "postgres":
		if c.DLQPostgresURL == "" {
			missing = append(missing, "DLQ_POSTGRES_URL")
		}
	default:
		return fmt.Errorf("unsupported DLQ backend: %s", c.DLQBackend)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvIntList(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]int, 0, len(parts))
	for _, part := range parts {
		parsed, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		result = append(result, parsed)
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
