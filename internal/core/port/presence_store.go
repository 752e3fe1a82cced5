package port

import (
	"context"
	"time"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

// PresenceStore keeps the authoritative presence entry per user in the shared
// store. Entries expire via TTL; the heartbeat loop rewrites them while a
// connection is alive.
type PresenceStore interface {
	SetPresence(ctx context.Context, presence domain.UserPresence, ttl time.Duration) error
	GetPresence(ctx context.Context, userID string) (*domain.UserPresence, error)
	DeletePresence(ctx context.Context, userID string) error
}
