package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
)

// EventBus fans gateway events out to every instance over a Redis pub/sub
// channel. Delivery is best-effort: a slow subscriber may drop messages, and
// the same event can surface more than once, so handlers are expected to be
// idempotent-safe.
type EventBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewEventBus constructs an EventBus publishing on the supplied channel.
func NewEventBus(client *redis.Client, channel string, logger *zap.Logger) *EventBus {
	if channel == "" {
		channel = "rtc:gateway:events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{client: client, channel: channel, logger: logger}
}

// Publish serializes the event onto the shared channel.
func (b *EventBus) Publish(ctx context.Context, event domain.GatewayEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal gateway event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish gateway event: %w", err)
	}

	return nil
}

// Subscribe delivers every received event to handler until ctx is cancelled.
// Malformed payloads are logged and skipped so one bad publisher cannot wedge
// the subscription.
func (b *EventBus) Subscribe(ctx context.Context, handler func(domain.GatewayEvent)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event domain.GatewayEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("drop malformed gateway event", zap.Error(err))
					continue
				}
				handler(event)
			}
		}
	}()

	return nil
}

// Close terminates the underlying client-side subscription state.
func (b *EventBus) Close() error {
	return nil
}

var _ port.EventBus = (*EventBus)(nil)
