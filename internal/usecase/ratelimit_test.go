package usecase

import (
	"context"
	"testing"
	"time"
)

func TestRateLimitService_AllowsUnderLimit(t *testing.T) {
	store := newRateLimitStoreStub()
	svc := NewRateLimitService(store)

	for i := 0; i < 5; i++ {
		decision := svc.Allow(context.Background(), "msg:user-1", 5, time.Minute)
		if !decision.Allowed {
			t.Fatalf("attempt %d unexpectedly rejected", i+1)
		}
		if decision.Remaining != 5-(i+1) {
			t.Fatalf("attempt %d: expected remaining %d, got %d", i+1, 5-(i+1), decision.Remaining)
		}
	}
}

func TestRateLimitService_RejectsOverLimit(t *testing.T) {
	store := newRateLimitStoreStub()
	svc := NewRateLimitService(store)

	for i := 0; i < 3; i++ {
		svc.Allow(context.Background(), "msg:user-1", 3, time.Minute)
	}

	decision := svc.Allow(context.Background(), "msg:user-1", 3, time.Minute)
	if decision.Allowed {
		t.Fatal("expected rejection past the limit")
	}
	if decision.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", decision.Remaining)
	}
	if decision.ResetAt.IsZero() {
		t.Fatal("expected a reset time")
	}
}

func TestRateLimitService_WindowSlides(t *testing.T) {
	store := newRateLimitStoreStub()
	svc := NewRateLimitService(store)

	base := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	current := base
	svc.WithClock(func() time.Time { return current })

	for i := 0; i < 3; i++ {
		svc.Allow(context.Background(), "msg:user-1", 3, time.Minute)
	}
	if decision := svc.Allow(context.Background(), "msg:user-1", 3, time.Minute); decision.Allowed {
		t.Fatal("expected rejection inside the window")
	}

	current = base.Add(2 * time.Minute)
	if decision := svc.Allow(context.Background(), "msg:user-1", 3, time.Minute); !decision.Allowed {
		t.Fatal("expected admission after the window slid past old attempts")
	}
}

func TestRateLimitService_IdentifiersIndependent(t *testing.T) {
	store := newRateLimitStoreStub()
	svc := NewRateLimitService(store)

	for i := 0; i < 3; i++ {
		svc.Allow(context.Background(), "msg:user-1", 3, time.Minute)
	}

	if decision := svc.Allow(context.Background(), "typing:user-1", 3, time.Minute); !decision.Allowed {
		t.Fatal("distinct identifier must not share the window")
	}
}

func TestRateLimitService_FailsOpenOnStoreError(t *testing.T) {
	store := newRateLimitStoreStub()
	store.err = errStoreUnavailable
	svc := NewRateLimitService(store)

	decision := svc.Allow(context.Background(), "msg:user-1", 10, time.Minute)
	if !decision.Allowed {
		t.Fatal("store failure must fail open")
	}
	if decision.Remaining != 9 {
		t.Fatalf("expected remaining max-1 on fail-open, got %d", decision.Remaining)
	}
}
