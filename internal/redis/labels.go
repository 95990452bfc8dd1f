package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TombstoneTTL outlives the longest time a job can sit in SQS (14 days retention).
const TombstoneTTL = 14 * 24 * time.Hour

// LabelRegistry records label cancellations for queues that cannot delete by label.
// A tombstone is the cancel instant; any job of that label enqueued at or before it
// is dropped by the consumer. Jobs enqueued later (a resume) are unaffected.
type LabelRegistry struct {
	client *Client
	logger *zap.Logger
}

// NewLabelRegistry creates a registry.
func NewLabelRegistry(client *Client, logger *zap.Logger) *LabelRegistry {
	return &LabelRegistry{client: client, logger: logger}
}

func tombstoneKey(label string) string {
	return "label:cancelled:" + label
}

// Tombstone marks every job of label enqueued up to at as cancelled.
func (r *LabelRegistry) Tombstone(ctx context.Context, label string, at time.Time) error {
	if err := r.client.rdb.Set(ctx, tombstoneKey(label), at.UnixNano(), TombstoneTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	r.logger.Info("label tombstoned", zap.String("label", label), zap.Time("cutoff", at))
	return nil
}

// Cancelled reports whether a job of label stamped with enqueuedAt (unix nanos)
// was cancelled after it was enqueued.
func (r *LabelRegistry) Cancelled(ctx context.Context, label string, enqueuedAt int64) (bool, error) {
	val, err := r.client.rdb.Get(ctx, tombstoneKey(label)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}

	cutoff, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid tombstone for %s: %w", label, err)
	}
	return enqueuedAt <= cutoff, nil
}
