package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
)

// OfflineQueueConfig bounds the per-user offline message queue.
type OfflineQueueConfig struct {
	KeyPrefix string
	MaxLength int
	TTL       time.Duration
}

// OfflineQueueRepository buffers messages for offline users in a capped Redis
// list. When the cap is exceeded the oldest messages are trimmed away; there is
// no delivery guarantee beyond the bound.
type OfflineQueueRepository struct {
	client *redis.Client
	cfg    OfflineQueueConfig
}

// NewOfflineQueueRepository constructs an OfflineQueueRepository.
func NewOfflineQueueRepository(client *redis.Client, cfg OfflineQueueConfig) *OfflineQueueRepository {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rtc:offline"
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 100
	}
	return &OfflineQueueRepository{client: client, cfg: cfg}
}

func (r *OfflineQueueRepository) key(userID string) string {
	return fmt.Sprintf("%s:%s", r.cfg.KeyPrefix, userID)
}

// Queue appends the message and trims the list to the configured cap.
func (r *OfflineQueueRepository) Queue(ctx context.Context, userID string, message domain.Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal offline message: %w", err)
	}

	key := r.key(userID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-r.cfg.MaxLength), -1)
	if r.cfg.TTL > 0 {
		pipe.Expire(ctx, key, r.cfg.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis queue offline message: %w", err)
	}

	return nil
}

// Drain returns all queued messages oldest-first and empties the queue.
func (r *OfflineQueueRepository) Drain(ctx context.Context, userID string) ([]domain.Message, error) {
	key := r.key(userID)

	pipe := r.client.TxPipeline()
	listCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis drain offline messages: %w", err)
	}

	raw := listCmd.Val()
	messages := make([]domain.Message, 0, len(raw))
	for _, entry := range raw {
		var message domain.Message
		if err := json.Unmarshal([]byte(entry), &message); err != nil {
			return nil, fmt.Errorf("unmarshal offline message: %w", err)
		}
		messages = append(messages, message)
	}

	return messages, nil
}

var _ port.OfflineMessageQueue = (*OfflineQueueRepository)(nil)
