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

// SessionRepository persists session metadata and refresh-token hashes in
// Redis. Session and refresh keys share one TTL so that the store invariant
// (session exists iff the refresh token is honorable) holds without sweeping.
type SessionRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewSessionRepository constructs a SessionRepository with the supplied key prefix.
func NewSessionRepository(client *redis.Client, keyPrefix string) *SessionRepository {
	if keyPrefix == "" {
		keyPrefix = "rtc:session"
	}
	return &SessionRepository{client: client, keyPrefix: keyPrefix}
}

func (r *SessionRepository) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:%s", r.keyPrefix, sessionID)
}

func (r *SessionRepository) refreshKey(sessionID string) string {
	return fmt.Sprintf("%s:refresh:%s", r.keyPrefix, sessionID)
}

func (r *SessionRepository) userIndexKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", r.keyPrefix, userID)
}

// Save stores the session record, its refresh hash, and indexes it under the
// owning user, all TTL'd to the refresh lifetime.
func (r *SessionRepository) Save(ctx context.Context, session domain.Session, refreshHash string, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.sessionKey(session.ID), payload, ttl)
	pipe.Set(ctx, r.refreshKey(session.ID), refreshHash, ttl)
	pipe.SAdd(ctx, r.userIndexKey(session.UserID), session.ID)
	pipe.Expire(ctx, r.userIndexKey(session.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}

	return nil
}

// Get fetches the session record.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	return &session, nil
}

// RefreshHash returns the refresh-token hash currently bound to the session.
func (r *SessionRepository) RefreshHash(ctx context.Context, sessionID string) (string, error) {
	hash, err := r.client.Get(ctx, r.refreshKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("redis get refresh hash: %w", err)
	}
	return hash, nil
}

// Rotate swaps the stored refresh hash for the session, guarded by a WATCH on
// the refresh key so a replayed rotation loses cleanly with ErrConflict.
func (r *SessionRepository) Rotate(ctx context.Context, sessionID, oldHash, newHash string, ttl time.Duration) error {
	key := r.refreshKey(sessionID)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("redis get refresh hash: %w", err)
		}
		if current != oldHash {
			return repository.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newHash, ttl)
			pipe.Expire(ctx, r.sessionKey(sessionID), ttl)
			return nil
		})
		return err
	}, key)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return repository.ErrConflict
		}
		return err
	}

	return nil
}

// Touch rewrites the session's last-active timestamp preserving the key TTL.
func (r *SessionRepository) Touch(ctx context.Context, sessionID string, at time.Time) error {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Touch(at)
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if err := r.client.Set(ctx, r.sessionKey(sessionID), payload, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("redis touch session: %w", err)
	}

	return nil
}

// ListByUser returns every live session for the user, pruning index entries
// whose session keys have already expired.
func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	ids, err := r.client.SMembers(ctx, r.userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions: %w", err)
	}

	sessions := make([]domain.Session, 0, len(ids))
	var stale []any
	for _, id := range ids {
		session, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				stale = append(stale, id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, *session)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.userIndexKey(userID), stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis prune session index: %w", err)
		}
	}

	return sessions, nil
}

// Delete removes the session, its refresh hash, and its index entry.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) (bool, error) {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	pipe := r.client.TxPipeline()
	deleted := pipe.Del(ctx, r.sessionKey(sessionID), r.refreshKey(sessionID))
	pipe.SRem(ctx, r.userIndexKey(session.UserID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis delete session: %w", err)
	}

	return deleted.Val() > 0, nil
}

// DeleteAllForUser removes every session owned by the user.
func (r *SessionRepository) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	ids, err := r.client.SMembers(ctx, r.userIndexKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list sessions: %w", err)
	}

	removed := 0
	for _, id := range ids {
		ok, err := r.Delete(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	if err := r.client.Del(ctx, r.userIndexKey(userID)).Err(); err != nil {
		return removed, fmt.Errorf("redis delete session index: %w", err)
	}

	return removed, nil
}

var _ port.SessionStore = (*SessionRepository)(nil)
