package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
	"github.com/arklim/social-platform-rtc/internal/infra/config"
)

const schemaVersion = "1.0"

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	UserID    string           `json:"user_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, userID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		UserID:    userID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishSessionRevoked publishes rtc.session.revoked events.
func (p *EventPublisher) PublishSessionRevoked(ctx context.Context, event domain.SessionRevokedEvent) error {
	payload := struct {
		SessionID string         `json:"session_id"`
		UserID    string         `json:"user_id"`
		RevokedAt time.Time      `json:"revoked_at"`
		RevokedBy string         `json:"revoked_by"`
		Reason    string         `json:"reason"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}{
		SessionID: event.SessionID,
		UserID:    event.UserID,
		RevokedAt: event.RevokedAt.UTC(),
		RevokedBy: event.RevokedBy,
		Reason:    event.Reason,
		Metadata:  event.Metadata,
	}

	return p.publish(ctx, event.EventID, "rtc.session.revoked", event.UserID, event.RevokedAt, payload)
}

// PublishPresenceChanged publishes rtc.presence.changed events.
func (p *EventPublisher) PublishPresenceChanged(ctx context.Context, event domain.PresenceChangedEvent) error {
	payload := struct {
		UserID    string         `json:"user_id"`
		Status    string         `json:"status"`
		ChangedAt time.Time      `json:"changed_at"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}{
		UserID:    event.UserID,
		Status:    string(event.Status),
		ChangedAt: event.ChangedAt.UTC(),
		Metadata:  event.Metadata,
	}

	return p.publish(ctx, event.EventID, "rtc.presence.changed", event.UserID, event.ChangedAt, payload)
}

// PublishMessagePersisted publishes rtc.message.persisted events.
func (p *EventPublisher) PublishMessagePersisted(ctx context.Context, event domain.MessagePersistedEvent) error {
	payload := struct {
		MessageID   string         `json:"message_id"`
		RoomID      string         `json:"room_id"`
		UserID      string         `json:"user_id"`
		PersistedAt time.Time      `json:"persisted_at"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	}{
		MessageID:   event.MessageID,
		RoomID:      event.RoomID,
		UserID:      event.UserID,
		PersistedAt: event.PersistedAt.UTC(),
		Metadata:    event.Metadata,
	}

	return p.publish(ctx, event.EventID, "rtc.message.persisted", event.UserID, event.PersistedAt, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)
