package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

func TestEventBus_PublishSubscribeRoundTrip(t *testing.T) {
	client, _ := newTestRedis(t)
	bus := NewEventBus(client, "rtc:gateway:events", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan domain.GatewayEvent, 1)
	if err := bus.Subscribe(ctx, func(event domain.GatewayEvent) {
		received <- event
	}); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"type": "new_message"})
	event := domain.GatewayEvent{
		Kind:      domain.GatewayEventRoomBroadcast,
		Origin:    "instance-a",
		RoomID:    "room-1",
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	if err := bus.Publish(ctx, event); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	select {
	case got := <-received:
		if got.Kind != domain.GatewayEventRoomBroadcast {
			t.Fatalf("expected room_broadcast, got %s", got.Kind)
		}
		if got.Origin != "instance-a" || got.RoomID != "room-1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
