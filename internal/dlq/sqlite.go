package dlq

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps dead letters in a local SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates it
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./dlq.db"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DLQ database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DLQ database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate DLQ database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	query := `CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone_number TEXT NOT NULL,
		service TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		error_message TEXT NOT NULL,
		error_type TEXT NOT NULL,
		status_code INTEGER DEFAULT 0,
		retry_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	_, err := s.db.Exec(query)
	return err
}

// Save inserts an entry and fills in its ID and timestamp
func (s *SQLiteStore) Save(ctx context.Context, entry *Entry) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters
			(phone_number, service, correlation_id, request_id, payload,
			 error_message, error_type, status_code, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.PhoneNumber, entry.Service, entry.CorrelationID, entry.RequestID,
		string(entry.Payload), entry.ErrorMessage, entry.ErrorType,
		entry.StatusCode, entry.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save DLQ entry: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// List returns the newest entries first, up to limit
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone_number, service, correlation_id, request_id, payload,
		        error_message, error_type, status_code, retry_count, created_at
		 FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payload string
		if err := rows.Scan(&entry.ID, &entry.PhoneNumber, &entry.Service,
			&entry.CorrelationID, &entry.RequestID, &payload,
			&entry.ErrorMessage, &entry.ErrorType, &entry.StatusCode,
			&entry.RetryCount, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan DLQ entry: %w", err)
		}
		entry.Payload = []byte(payload)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Delete removes an entry by ID
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete DLQ entry %d: %w", id, err)
	}
	return nil
}

// Health pings the database
func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
