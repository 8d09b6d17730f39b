// Package dlq persists webhook deliveries that could not be forwarded to
// their target microservice, so they can be inspected and replayed later.
// Three backends are supported: SQLite (default, single-node), Postgres
// (shared), and Redis (capped list for ephemeral deployments).
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wa-router/internal/common/errors"
)

// Entry is one failed delivery
type Entry struct {
	ID            int64           `json:"id,omitempty"`
	PhoneNumber   string          `json:"phone_number"`
	Service       string          `json:"service"`
	CorrelationID string          `json:"correlation_id"`
	RequestID     string          `json:"request_id"`
	Payload       json.RawMessage `json:"payload"`
	ErrorMessage  string          `json:"error_message"`
	ErrorType     string          `json:"error_type"`
	StatusCode    int             `json:"status_code"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Store persists dead-lettered deliveries
type Store interface {
	Save(ctx context.Context, entry *Entry) error
	List(ctx context.Context, limit int) ([]*Entry, error)
	Delete(ctx context.Context, id int64) error
	Health(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend       string
	SQLitePath    string
	PostgresURL   string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
}

// NewStore creates a store for the configured backend
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return NewPostgresStore(cfg.PostgresURL)
	case "redis":
		return NewRedisStore(cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unsupported DLQ backend: %s", cfg.Backend))
	}
}
