package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Useful for development environments.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, userID string, at time.Time, payload any) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("Stub event published",
		zap.String("event_type", eventType),
		zap.String("user_id", userID),
		zap.Time("timestamp", at.UTC()),
		zap.Any("payload", payload),
	)
}

// PublishSessionRevoked logs rtc.session.revoked events.
func (p *StubPublisher) PublishSessionRevoked(_ context.Context, event domain.SessionRevokedEvent) error {
	payload := map[string]any{
		"session_id": event.SessionID,
		"user_id":    event.UserID,
		"revoked_at": event.RevokedAt,
		"revoked_by": event.RevokedBy,
		"reason":     event.Reason,
		"metadata":   event.Metadata,
	}
	p.logEvent("rtc.session.revoked", event.UserID, event.RevokedAt, payload)
	return nil
}

// PublishPresenceChanged logs rtc.presence.changed events.
func (p *StubPublisher) PublishPresenceChanged(_ context.Context, event domain.PresenceChangedEvent) error {
	payload := map[string]any{
		"user_id":    event.UserID,
		"status":     event.Status,
		"changed_at": event.ChangedAt,
		"metadata":   event.Metadata,
	}
	p.logEvent("rtc.presence.changed", event.UserID, event.ChangedAt, payload)
	return nil
}

// PublishMessagePersisted logs rtc.message.persisted events.
func (p *StubPublisher) PublishMessagePersisted(_ context.Context, event domain.MessagePersistedEvent) error {
	payload := map[string]any{
		"message_id":   event.MessageID,
		"room_id":      event.RoomID,
		"user_id":      event.UserID,
		"persisted_at": event.PersistedAt,
		"metadata":     event.Metadata,
	}
	p.logEvent("rtc.message.persisted", event.UserID, event.PersistedAt, payload)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
