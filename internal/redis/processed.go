package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedTracker remembers provider event ids so webhook retries are
// handled once.
type ProcessedTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProcessedTracker(client *redis.Client, ttl time.Duration) *ProcessedTracker {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &ProcessedTracker{client: client, ttl: ttl}
}

// MarkProcessed returns false when the event id was already recorded.
func (t *ProcessedTracker) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	key := fmt.Sprintf("processed:%s:%s", provider, eventID)
	ok, err := t.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), t.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return ok, nil
}

// Forget drops a recorded id so a failed handler can be retried.
func (t *ProcessedTracker) Forget(ctx context.Context, provider, eventID string) error {
	key := fmt.Sprintf("processed:%s:%s", provider, eventID)
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("forget processed: %w", err)
	}
	return nil
}
