package port

import (
	"context"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

// EventPublisher publishes lifecycle events to the message bus for downstream
// consumers (audit, notifications, analytics pipelines).
type EventPublisher interface {
	PublishSessionRevoked(ctx context.Context, event domain.SessionRevokedEvent) error
	PublishPresenceChanged(ctx context.Context, event domain.PresenceChangedEvent) error
	PublishMessagePersisted(ctx context.Context, event domain.MessagePersistedEvent) error
}
