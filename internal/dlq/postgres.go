package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps dead letters in a shared Postgres database
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at url and migrates it
func NewPostgresStore(url string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DLQ database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping DLQ database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate DLQ database: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS dead_letters (
		id BIGSERIAL PRIMARY KEY,
		phone_number TEXT NOT NULL,
		service TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		error_message TEXT NOT NULL,
		error_type TEXT NOT NULL,
		status_code INTEGER DEFAULT 0,
		retry_count INTEGER DEFAULT 0,
		created_at TIMESTAMPTZ DEFAULT NOW()
	)`
	_, err := s.pool.Exec(ctx, query)
	return err
}

// Save inserts an entry and fills in its ID and timestamp
func (s *PostgresStore) Save(ctx context.Context, entry *Entry) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO dead_letters
			(phone_number, service, correlation_id, request_id, payload,
			 error_message, error_type, status_code, retry_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		entry.PhoneNumber, entry.Service, entry.CorrelationID, entry.RequestID,
		string(entry.Payload), entry.ErrorMessage, entry.ErrorType,
		entry.StatusCode, entry.RetryCount,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save DLQ entry: %w", err)
	}
	return nil
}

// List returns the newest entries first, up to limit
func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, phone_number, service, correlation_id, request_id, payload,
		        error_message, error_type, status_code, retry_count, created_at
		 FROM dead_letters ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.PhoneNumber, &entry.Service,
			&entry.CorrelationID, &entry.RequestID, &payload,
			&entry.ErrorMessage, &entry.ErrorType, &entry.StatusCode,
			&entry.RetryCount, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan DLQ entry: %w", err)
		}
		entry.Payload = payload
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Delete removes an entry by ID
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete DLQ entry %d: %w", id, err)
	}
	return nil
}

// Health pings the database
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
