package port

import (
	"context"
	"time"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

// SessionStore persists session metadata and the hash of the refresh token
// currently bound to each session. Entries carry the refresh-token TTL so that
// expiry in the store and token expiry coincide.
type SessionStore interface {
	// Save stores the session and its refresh-token hash with the supplied TTL.
	Save(ctx context.Context, session domain.Session, refreshHash string, ttl time.Duration) error
	// Get returns the session, or repository.ErrNotFound when absent or expired.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	// RefreshHash returns the hash of the refresh token currently bound to the session.
	RefreshHash(ctx context.Context, sessionID string) (string, error)
	// Rotate atomically swaps the stored refresh hash when it still equals
	// oldHash, restarting the TTL. Returns repository.ErrConflict on mismatch.
	Rotate(ctx context.Context, sessionID, oldHash, newHash string, ttl time.Duration) error
	// Touch updates the session's last-active timestamp without extending its TTL.
	Touch(ctx context.Context, sessionID string, at time.Time) error
	// ListByUser returns every live session owned by the user.
	ListByUser(ctx context.Context, userID string) ([]domain.Session, error)
	// Delete removes the session and its refresh hash. Returns true when a session existed.
	Delete(ctx context.Context, sessionID string) (bool, error)
	// DeleteAllForUser removes every session owned by the user, returning the count removed.
	DeleteAllForUser(ctx context.Context, userID string) (int, error)
}
