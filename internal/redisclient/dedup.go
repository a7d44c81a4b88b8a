package redisclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DedupTTL is how long delivery idempotency keys are retained. Long enough
// to cover the full retry ladder plus channel fallback for one intent.
const DedupTTL = 30 * time.Minute

// DedupStore suppresses duplicate provider sends. The orchestrator marks a
// (intent, channel) key once the provider confirms a send; a retried attempt
// that finds the key set skips the provider call and reports success.
type DedupStore struct {
	client *Client
	logger *zap.Logger
}

// NewDedupStore creates a dedup store over the shared Redis client.
func NewDedupStore(client *Client, logger *zap.Logger) *DedupStore {
	return &DedupStore{client: client, logger: logger}
}

func (s *DedupStore) buildKey(idempotencyKey string) string {
	return fmt.Sprintf("dedup:%s", idempotencyKey)
}

// MarkSent records a confirmed send. Returns true when this call set the key,
// false when an earlier attempt already did.
func (s *DedupStore) MarkSent(ctx context.Context, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(idempotencyKey), "sent", DedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// AlreadySent reports whether a send for this key was previously confirmed.
func (s *DedupStore) AlreadySent(ctx context.Context, idempotencyKey string) (bool, error) {
	n, err := s.client.rdb.Exists(ctx, s.buildKey(idempotencyKey)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	if n > 0 {
		s.logger.Debug("duplicate send suppressed", zap.String("key", idempotencyKey))
		return true, nil
	}
	return false, nil
}
