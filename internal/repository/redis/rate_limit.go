package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arklim/social-platform-rtc/internal/core/port"
)

// SlidingWindowConfig defines configuration for the sliding window limiter.
type SlidingWindowConfig struct {
	KeyPrefix string
}

// RateLimitRepository persists rate-limit attempts in Redis sorted sets. The
// prune, insert, count, and TTL refresh run inside one MULTI/EXEC pipeline so
// concurrent callers each observe a count that includes their own attempt.
type RateLimitRepository struct {
	client *redis.Client
	cfg    SlidingWindowConfig
}

// NewRateLimitRepository constructs a repository using the provided Redis client and config.
func NewRateLimitRepository(client *redis.Client, cfg SlidingWindowConfig) *RateLimitRepository {
	return &RateLimitRepository{client: client, cfg: cfg}
}

// Take records an attempt at the supplied moment and returns the attempt count
// inside the window together with the oldest surviving attempt. Scores are
// microsecond timestamps: nanosecond epochs exceed float64's exact integer
// range and would round-trip inexactly through the sorted set.
func (r *RateLimitRepository) Take(ctx context.Context, identifier string, window time.Duration, at time.Time) (int, time.Time, error) {
	if window <= 0 {
		return 0, time.Time{}, errors.New("window must be positive")
	}

	key := r.key(identifier)
	threshold := strconv.FormatInt(at.Add(-window).UnixMicro(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", threshold)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMicro()), Member: at.UnixNano()})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("redis rate limit pipeline: %w", err)
	}

	count := int(countCmd.Val())

	oldest := at
	if entries := oldestCmd.Val(); len(entries) > 0 {
		oldest = time.UnixMicro(int64(entries[0].Score)).UTC()
	}

	return count, oldest, nil
}

func (r *RateLimitRepository) key(identifier string) string {
	if r.cfg.KeyPrefix == "" {
		return identifier
	}
	return fmt.Sprintf("%s:%s", r.cfg.KeyPrefix, identifier)
}

var _ port.RateLimitStore = (*RateLimitRepository)(nil)
