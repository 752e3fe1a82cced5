package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
	"github.com/arklim/social-platform-rtc/internal/repository"
)

// PresenceRepository keeps per-user presence entries with a short TTL. The
// heartbeat loop rewrites entries before expiry; a user whose instance dies
// simply ages out.
type PresenceRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewPresenceRepository constructs a PresenceRepository with the supplied key prefix.
func NewPresenceRepository(client *redis.Client, keyPrefix string) *PresenceRepository {
	if keyPrefix == "" {
		keyPrefix = "rtc:presence"
	}
	return &PresenceRepository{client: client, keyPrefix: keyPrefix}
}

func (r *PresenceRepository) key(userID string) string {
	return fmt.Sprintf("%s:%s", r.keyPrefix, userID)
}

// SetPresence writes the presence entry with the supplied TTL.
func (r *PresenceRepository) SetPresence(ctx context.Context, presence domain.UserPresence, ttl time.Duration) error {
	payload, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	if err := r.client.Set(ctx, r.key(presence.UserID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set presence: %w", err)
	}

	return nil
}

// GetPresence returns the stored presence entry.
func (r *PresenceRepository) GetPresence(ctx context.Context, userID string) (*domain.UserPresence, error) {
	raw, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("redis get presence: %w", err)
	}

	var presence domain.UserPresence
	if err := json.Unmarshal(raw, &presence); err != nil {
		return nil, fmt.Errorf("unmarshal presence: %w", err)
	}

	return &presence, nil
}

// DeletePresence removes the presence entry.
func (r *PresenceRepository) DeletePresence(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis delete presence: %w", err)
	}
	return nil
}

var _ port.PresenceStore = (*PresenceRepository)(nil)
