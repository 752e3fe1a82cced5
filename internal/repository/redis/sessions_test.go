package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/repository"
)

func newTestRedis(t *testing.T) (*red.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := red.NewClient(&red.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}

func testSession(id, userID string, now time.Time) domain.Session {
	return domain.Session{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(24 * time.Hour),
	}
}

func TestSessionRepository_SaveAndGet(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewSessionRepository(client, "rtc:session")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	session := testSession("sess-1", "user-1", now)
	if err := repo.Save(ctx, session, "hash-1", time.Hour); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	got, err := repo.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", got.UserID)
	}

	hash, err := repo.RefreshHash(ctx, "sess-1")
	if err != nil {
		t.Fatalf("RefreshHash returned error: %v", err)
	}
	if hash != "hash-1" {
		t.Fatalf("expected hash-1, got %s", hash)
	}

	remaining := server.TTL("rtc:session:sess-1")
	if remaining <= 0 || remaining > time.Hour {
		t.Fatalf("expected ttl within (0, 1h], got %v", remaining)
	}
}

func TestSessionRepository_GetMissing(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewSessionRepository(client, "rtc:session")

	if _, err := repo.Get(context.Background(), "absent"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionRepository_RotateReplacesHash(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewSessionRepository(client, "rtc:session")
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.Save(ctx, testSession("sess-1", "user-1", now), "old-hash", time.Hour); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	if err := repo.Rotate(ctx, "sess-1", "old-hash", "new-hash", time.Hour); err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}

	hash, err := repo.RefreshHash(ctx, "sess-1")
	if err != nil {
		t.Fatalf("RefreshHash returned error: %v", err)
	}
	if hash != "new-hash" {
		t.Fatalf("expected new-hash, got %s", hash)
	}
}

func TestSessionRepository_RotateRejectsStaleHash(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewSessionRepository(client, "rtc:session")
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.Save(ctx, testSession("sess-1", "user-1", now), "current", time.Hour); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	err := repo.Rotate(ctx, "sess-1", "rotated-out", "newer", time.Hour)
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSessionRepository_ListByUserPrunesExpired(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewSessionRepository(client, "rtc:session")
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.Save(ctx, testSession("sess-1", "user-1", now), "h1", time.Hour); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := repo.Save(ctx, testSession("sess-2", "user-1", now), "h2", time.Hour); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	// Simulate sess-2 aging out of the store.
	server.Del("rtc:session:sess-2")

	sessions, err := repo.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListByUser returned error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess-1" {
		t.Fatalf("expected only sess-1, got %+v", sessions)
	}
}

func TestSessionRepository_DeleteAllForUser(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewSessionRepository(client, "rtc:session")
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a", "b", "c"} {
		if err := repo.Save(ctx, testSession(id, "user-1", now), "h-"+id, time.Hour); err != nil {
			t.Fatalf("Save returned error: %v", err)
		}
	}

	removed, err := repo.DeleteAllForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("DeleteAllForUser returned error: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}

	sessions, err := repo.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListByUser returned error: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %+v", sessions)
	}
}
