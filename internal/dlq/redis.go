package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisListKey    = "wa:dlq"
	redisIDKey      = "wa:dlq:id"
	redisMaxEntries = 10000
)

// RedisStore keeps dead letters in a capped Redis list. Oldest entries fall
// off once the list exceeds its cap.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(address, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to DLQ redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Save pushes an entry onto the list and trims it to the cap
func (s *RedisStore) Save(ctx context.Context, entry *Entry) error {
	id, err := s.client.Incr(ctx, redisIDKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate DLQ entry id: %w", err)
	}
	entry.ID = id
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, redisListKey, data)
	pipe.LTrim(ctx, redisListKey, 0, redisMaxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save DLQ entry: %w", err)
	}
	return nil
}

// List returns the newest entries first, up to limit
func (s *RedisStore) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	values, err := s.client.LRange(ctx, redisListKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ entries: %w", err)
	}

	entries := make([]*Entry, 0, len(values))
	for _, value := range values {
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal DLQ entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Delete removes the entry with the given ID, if still present
func (s *RedisStore) Delete(ctx context.Context, id int64) error {
	values, err := s.client.LRange(ctx, redisListKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to scan DLQ entries: %w", err)
	}

	for _, value := range values {
		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			continue
		}
		if entry.ID == id {
			if err := s.client.LRem(ctx, redisListKey, 1, value).Err(); err != nil {
				return fmt.Errorf("failed to delete DLQ entry %d: %w", id, err)
			}
			return nil
		}
	}
	return nil
}

// Health pings redis
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
