package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store persists job records in a key/value store with a TTL. Records
// are written whole on every save; expiry is the only deletion path.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Save writes the full job record, resetting its TTL.
func (store *Store) Save(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	if err := store.client.Set(ctx, jobKey(job.ID), payload, store.ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}

	return nil
}

// Get retrieves a job record by its ID. ErrJobNotFound is returned for
// ids that are unknown or whose records have expired.
func (store *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	payload, err := store.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}

		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}

	return &job, nil
}

func jobKey(id uuid.UUID) string {
	return fmt.Sprintf("lumen:job:%s", id)
}
