package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

func TestOfflineQueueRepository_QueueAndDrain(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewOfflineQueueRepository(client, OfflineQueueConfig{KeyPrefix: "rtc:offline", MaxLength: 10, TTL: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := domain.Message{ID: fmt.Sprintf("msg-%d", i), RoomID: "room-1", UserID: "author", Content: fmt.Sprintf("hello %d", i)}
		if err := repo.Queue(ctx, "user-1", msg); err != nil {
			t.Fatalf("Queue returned error: %v", err)
		}
	}

	messages, err := repo.Drain(ctx, "user-1")
	if err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].ID != "msg-0" || messages[2].ID != "msg-2" {
		t.Fatalf("expected oldest-first ordering, got %+v", messages)
	}

	// Drain empties the queue.
	messages, err = repo.Drain(ctx, "user-1")
	if err != nil {
		t.Fatalf("second Drain returned error: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty queue after drain, got %d messages", len(messages))
	}
}

func TestOfflineQueueRepository_CapDropsOldest(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewOfflineQueueRepository(client, OfflineQueueConfig{KeyPrefix: "rtc:offline", MaxLength: 5})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		msg := domain.Message{ID: fmt.Sprintf("msg-%d", i), RoomID: "room-1", Content: "x"}
		if err := repo.Queue(ctx, "user-1", msg); err != nil {
			t.Fatalf("Queue returned error: %v", err)
		}
	}

	messages, err := repo.Drain(ctx, "user-1")
	if err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("expected queue capped at 5, got %d", len(messages))
	}
	if messages[0].ID != "msg-3" {
		t.Fatalf("expected oldest retained message msg-3, got %s", messages[0].ID)
	}
}
