package redis

import (
	"context"
	"testing"
	"time"
)

func TestRateLimitRepository_TakeCountsAttempts(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewRateLimitRepository(client, SlidingWindowConfig{KeyPrefix: "rtc:rate-limit"})
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		count, _, err := repo.Take(ctx, "messages:user-1", time.Minute, base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("Take returned error: %v", err)
		}
		if count != i {
			t.Fatalf("expected count %d, got %d", i, count)
		}
	}
}

func TestRateLimitRepository_TakePrunesOldEntries(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewRateLimitRepository(client, SlidingWindowConfig{KeyPrefix: "rtc:rate-limit"})
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if _, _, err := repo.Take(ctx, "joins:user-1", time.Minute, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Take returned error: %v", err)
		}
	}

	// A take beyond the window should only see itself.
	count, oldest, err := repo.Take(ctx, "joins:user-1", time.Minute, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Take returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1 after window elapsed, got %d", count)
	}
	if oldest.UnixMicro() != base.Add(2*time.Minute).UnixMicro() {
		t.Fatalf("expected oldest to be the new attempt, got %v", oldest)
	}
}

func TestRateLimitRepository_TakeReportsOldest(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewRateLimitRepository(client, SlidingWindowConfig{KeyPrefix: "rtc:rate-limit"})
	ctx := context.Background()

	base := time.Now().UTC()
	if _, _, err := repo.Take(ctx, "conn:1.2.3.4", time.Minute, base); err != nil {
		t.Fatalf("Take returned error: %v", err)
	}

	_, oldest, err := repo.Take(ctx, "conn:1.2.3.4", time.Minute, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Take returned error: %v", err)
	}
	// The stored score must survive the round trip exactly; a lossy score
	// format skews the reset time reported to rejected clients.
	if oldest.UnixMicro() != base.UnixMicro() {
		t.Fatalf("expected oldest %v, got %v", base, oldest)
	}
}

func TestRateLimitRepository_IdentifiersAreIndependent(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewRateLimitRepository(client, SlidingWindowConfig{KeyPrefix: "rtc:rate-limit"})
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		if _, _, err := repo.Take(ctx, "messages:user-1", time.Minute, now); err != nil {
			t.Fatalf("Take returned error: %v", err)
		}
	}

	count, _, err := repo.Take(ctx, "typing:user-1", time.Minute, now)
	if err != nil {
		t.Fatalf("Take returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected independent identifier to start at 1, got %d", count)
	}
}
