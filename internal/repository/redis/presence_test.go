package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/repository"
)

func TestPresenceRepository_RoundTrip(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewPresenceRepository(client, "rtc:presence")
	ctx := context.Background()

	room := "room-7"
	entry := domain.UserPresence{
		UserID:      "user-1",
		Status:      domain.PresenceActive,
		LastSeen:    time.Now().UTC().Truncate(time.Second),
		CurrentRoom: &room,
	}

	if err := repo.SetPresence(ctx, entry, 30*time.Second); err != nil {
		t.Fatalf("SetPresence returned error: %v", err)
	}

	got, err := repo.GetPresence(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetPresence returned error: %v", err)
	}
	if got.Status != domain.PresenceActive {
		t.Fatalf("expected active status, got %s", got.Status)
	}
	if got.CurrentRoom == nil || *got.CurrentRoom != "room-7" {
		t.Fatalf("expected current room room-7, got %v", got.CurrentRoom)
	}

	remaining := server.TTL("rtc:presence:user-1")
	if remaining <= 0 || remaining > 30*time.Second {
		t.Fatalf("expected ttl within (0, 30s], got %v", remaining)
	}
}

func TestPresenceRepository_EntryExpires(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewPresenceRepository(client, "rtc:presence")
	ctx := context.Background()

	entry := domain.UserPresence{UserID: "user-1", Status: domain.PresenceActive, LastSeen: time.Now().UTC()}
	if err := repo.SetPresence(ctx, entry, 10*time.Second); err != nil {
		t.Fatalf("SetPresence returned error: %v", err)
	}

	server.FastForward(11 * time.Second)

	if _, err := repo.GetPresence(ctx, "user-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}
}

func TestPresenceRepository_Delete(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewPresenceRepository(client, "rtc:presence")
	ctx := context.Background()

	entry := domain.UserPresence{UserID: "user-1", Status: domain.PresenceInactive, LastSeen: time.Now().UTC()}
	if err := repo.SetPresence(ctx, entry, time.Minute); err != nil {
		t.Fatalf("SetPresence returned error: %v", err)
	}

	if err := repo.DeletePresence(ctx, "user-1"); err != nil {
		t.Fatalf("DeletePresence returned error: %v", err)
	}

	if _, err := repo.GetPresence(ctx, "user-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
