package usecase

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/infra/security"
)

func newTestSessionService(t *testing.T, store *sessionStoreStub, presence *presenceStoreStub, events *eventPublisherStub) *SessionService {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	codec, err := security.NewTokenCodec(security.NewStaticKeyProvider("test-key", key), "test-key", "rtc-test")
	if err != nil {
		t.Fatalf("NewTokenCodec returned error: %v", err)
	}

	return NewSessionService(store, presence, events, codec, 15*time.Minute, 7*24*time.Hour, 3)
}

func TestSessionService_IssueAndVerify(t *testing.T) {
	store := newSessionStoreStub()
	presence := newPresenceStoreStub()
	svc := newTestSessionService(t, store, presence, newEventPublisherStub())

	pair, err := svc.IssueTokenPair(context.Background(), "user-1", "alice@example.com", "alice", domain.DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair returned error: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens to be issued")
	}

	identity, err := svc.VerifyAccess(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess returned error: %v", err)
	}
	if identity.UserID != "user-1" || identity.Username != "alice" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if identity.SessionID == "" {
		t.Fatal("expected session id on identity")
	}

	if status, ok := presence.status("user-1"); !ok || status != domain.PresenceActive {
		t.Fatalf("expected active presence mark, got %q (present=%v)", status, ok)
	}
}

func TestSessionService_VerifyRejectsGarbage(t *testing.T) {
	svc := newTestSessionService(t, newSessionStoreStub(), newPresenceStoreStub(), newEventPublisherStub())

	if _, err := svc.VerifyAccess(context.Background(), "not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestSessionService_VerifyAfterRevoke(t *testing.T) {
	store := newSessionStoreStub()
	svc := newTestSessionService(t, store, newPresenceStoreStub(), newEventPublisherStub())

	pair, err := svc.IssueTokenPair(context.Background(), "user-1", "", "alice", domain.DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair returned error: %v", err)
	}

	identity, err := svc.VerifyAccess(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess returned error: %v", err)
	}

	if err := svc.Revoke(context.Background(), identity.SessionID, "user-1", "logout"); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}

	if _, err := svc.VerifyAccess(context.Background(), pair.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after revoke, got %v", err)
	}
}

func TestSessionService_VerifyFailsClosedOnStoreError(t *testing.T) {
	store := newSessionStoreStub()
	svc := newTestSessionService(t, store, newPresenceStoreStub(), newEventPublisherStub())

	pair, err := svc.IssueTokenPair(context.Background(), "user-1", "", "alice", domain.DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair returned error: %v", err)
	}

	store.mu.Lock()
	store.failing = true
	store.mu.Unlock()

	_, err = svc.VerifyAccess(context.Background(), pair.AccessToken)
	if err == nil {
		t.Fatal("expected error when store is unavailable")
	}
	if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("store failure must not masquerade as token rejection: %v", err)
	}
}

func TestSessionService_RefreshRotation(t *testing.T) {
	store := newSessionStoreStub()
	svc := newTestSessionService(t, store, newPresenceStoreStub(), newEventPublisherStub())

	pair, err := svc.IssueTokenPair(context.Background(), "user-1", "", "alice", domain.DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair returned error: %v", err)
	}

	rotated, err := svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("expected a new refresh token after rotation")
	}

	// The new pair stays bound to the same session.
	first, _ := svc.VerifyAccess(context.Background(), pair.AccessToken)
	second, _ := svc.VerifyAccess(context.Background(), rotated.AccessToken)
	if first == nil || second == nil || first.SessionID != second.SessionID {
		t.Fatalf("expected rotation to preserve the session id: %+v vs %+v", first, second)
	}

	// The rotated-out token is a replay.
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid for replayed token, got %v", err)
	}

	// The fresh token still rotates.
	if _, err := svc.Refresh(context.Background(), rotated.RefreshToken); err != nil {
		t.Fatalf("fresh token failed to rotate: %v", err)
	}
}

func TestSessionService_SessionCapEviction(t *testing.T) {
	store := newSessionStoreStub()
	svc := newTestSessionService(t, store, newPresenceStoreStub(), newEventPublisherStub())

	base := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	current := base
	svc.WithClock(func() time.Time { return current })

	for i := 0; i < 4; i++ {
		current = base.Add(time.Duration(i) * time.Minute)
		if _, err := svc.IssueTokenPair(context.Background(), "user-1", "", "alice", domain.DeviceInfo{}); err != nil {
			t.Fatalf("IssueTokenPair #%d returned error: %v", i, err)
		}
	}

	sessions, err := svc.Sessions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Sessions returned error: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected cap of 3 sessions, got %d", len(sessions))
	}

	// The oldest login must be the one evicted.
	for _, session := range sessions {
		if session.CreatedAt.Equal(base) {
			t.Fatal("oldest session survived cap eviction")
		}
	}
}

func TestSessionService_RevokeLastFlipsPresence(t *testing.T) {
	store := newSessionStoreStub()
	presence := newPresenceStoreStub()
	events := newEventPublisherStub()
	svc := newTestSessionService(t, store, presence, events)

	pair, err := svc.IssueTokenPair(context.Background(), "user-1", "", "alice", domain.DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair returned error: %v", err)
	}
	identity, err := svc.VerifyAccess(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess returned error: %v", err)
	}

	if err := svc.Revoke(context.Background(), identity.SessionID, "user-1", "logout"); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}

	if status, ok := presence.status("user-1"); !ok || status != domain.PresenceInactive {
		t.Fatalf("expected inactive presence after last revoke, got %q", status)
	}

	events.mu.Lock()
	revoked := len(events.sessionsRevoked)
	events.mu.Unlock()
	if revoked != 1 {
		t.Fatalf("expected one session-revoked event, got %d", revoked)
	}
}

func TestSessionService_RevokeAll(t *testing.T) {
	store := newSessionStoreStub()
	svc := newTestSessionService(t, store, newPresenceStoreStub(), newEventPublisherStub())

	for i := 0; i < 3; i++ {
		if _, err := svc.IssueTokenPair(context.Background(), "user-1", "", "alice", domain.DeviceInfo{}); err != nil {
			t.Fatalf("IssueTokenPair returned error: %v", err)
		}
	}

	removed, err := svc.RevokeAll(context.Background(), "user-1", "admin", "security")
	if err != nil {
		t.Fatalf("RevokeAll returned error: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 sessions removed, got %d", removed)
	}

	active, err := svc.IsActive(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("IsActive returned error: %v", err)
	}
	if active {
		t.Fatal("expected user inactive after RevokeAll")
	}
}
