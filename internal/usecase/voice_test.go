package usecase

import (
	"errors"
	"testing"
	"time"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

func TestVoiceService_JoinCreatesRoomAndSnapshotsRoster(t *testing.T) {
	svc := NewVoiceService()

	result := svc.Join("conn-1", "user-1", "room-1")
	if len(result.Roster) != 0 {
		t.Fatalf("first joiner must see an empty roster, got %v", result.Roster)
	}
	if result.PreviousRoom != "" {
		t.Fatalf("unexpected implicit leave: %q", result.PreviousRoom)
	}

	result = svc.Join("conn-2", "user-2", "room-1")
	if len(result.Roster) != 1 || result.Roster[0].UserID != "user-1" {
		t.Fatalf("second joiner must see the existing participant, got %v", result.Roster)
	}
}

func TestVoiceService_JoinImplicitlyLeavesPreviousRoom(t *testing.T) {
	svc := NewVoiceService()

	svc.Join("conn-1", "user-1", "room-1")
	result := svc.Join("conn-1", "user-1", "room-2")

	if result.PreviousRoom != "room-1" {
		t.Fatalf("expected implicit leave of room-1, got %q", result.PreviousRoom)
	}
	if !result.PreviousDestroyed {
		t.Fatal("expected room-1 destroyed when its only participant left")
	}

	if roomID, ok := svc.RoomOf("user-1"); !ok || roomID != "room-2" {
		t.Fatalf("expected membership in room-2, got %q (ok=%v)", roomID, ok)
	}
	if participants := svc.Participants("room-1"); participants != nil {
		t.Fatalf("expected room-1 gone, got %v", participants)
	}
}

func TestVoiceService_LastLeaveDestroysRoom(t *testing.T) {
	svc := NewVoiceService()

	svc.Join("conn-1", "user-1", "room-1")
	svc.Join("conn-2", "user-2", "room-1")

	roomID, destroyed, ok := svc.Leave("user-1")
	if !ok || roomID != "room-1" || destroyed {
		t.Fatalf("unexpected leave result: room=%q destroyed=%v ok=%v", roomID, destroyed, ok)
	}

	roomID, destroyed, ok = svc.Leave("user-2")
	if !ok || roomID != "room-1" || !destroyed {
		t.Fatalf("expected last leave to destroy the room: room=%q destroyed=%v ok=%v", roomID, destroyed, ok)
	}

	if _, _, ok := svc.Leave("user-2"); ok {
		t.Fatal("leave without membership must report ok=false")
	}
}

func TestVoiceService_ValidateRelay(t *testing.T) {
	svc := NewVoiceService()

	svc.Join("conn-1", "user-1", "room-1")
	svc.Join("conn-2", "user-2", "room-1")
	svc.Join("conn-3", "user-3", "room-2")

	roomID, err := svc.ValidateRelay("user-1", "user-2")
	if err != nil || roomID != "room-1" {
		t.Fatalf("expected relay within room-1, got room=%q err=%v", roomID, err)
	}

	if _, err := svc.ValidateRelay("user-1", "user-3"); !errors.Is(err, ErrTargetNotInVoice) {
		t.Fatalf("expected ErrTargetNotInVoice across rooms, got %v", err)
	}

	if _, err := svc.ValidateRelay("user-9", "user-1"); !errors.Is(err, ErrNotInVoiceRoom) {
		t.Fatalf("expected ErrNotInVoiceRoom for a non-member sender, got %v", err)
	}
}

func TestVoiceService_DeafenForcesMute(t *testing.T) {
	svc := NewVoiceService()

	svc.Join("conn-1", "user-1", "room-1")

	participant, _, err := svc.SetDeafen("user-1", true)
	if err != nil {
		t.Fatalf("SetDeafen returned error: %v", err)
	}
	if !participant.IsDeafened || !participant.IsMuted {
		t.Fatalf("deafen must force mute: %+v", participant)
	}

	// Unmute attempt while deafened stays muted.
	participant, _, err = svc.SetMute("user-1", false)
	if err != nil {
		t.Fatalf("SetMute returned error: %v", err)
	}
	if !participant.IsMuted {
		t.Fatal("deafened participant must stay muted")
	}

	// Un-deafen does not unmute.
	participant, _, err = svc.SetDeafen("user-1", false)
	if err != nil {
		t.Fatalf("SetDeafen returned error: %v", err)
	}
	if participant.IsDeafened {
		t.Fatal("expected deafen cleared")
	}
	if !participant.IsMuted {
		t.Fatal("un-deafen must leave mute in place")
	}

	participant, _, err = svc.SetMute("user-1", false)
	if err != nil {
		t.Fatalf("SetMute returned error: %v", err)
	}
	if participant.IsMuted {
		t.Fatal("expected unmute once no longer deafened")
	}
}

func TestVoiceService_MuteWithoutMembership(t *testing.T) {
	svc := NewVoiceService()

	if _, _, err := svc.SetMute("user-1", true); !errors.Is(err, ErrNotInVoiceRoom) {
		t.Fatalf("expected ErrNotInVoiceRoom, got %v", err)
	}
}

func TestVoiceService_SweepIdleSparesOccupiedRooms(t *testing.T) {
	svc := NewVoiceService()

	base := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	current := base
	svc.WithClock(func() time.Time { return current })

	svc.Join("conn-1", "user-1", "room-1")
	svc.Join("conn-2", "user-2", "room-1")

	// An established call produces no roster changes; the room must outlive
	// any idle timeout while participants remain.
	current = base.Add(time.Hour)
	if destroyed := svc.SweepIdle(2 * time.Minute); destroyed != nil {
		t.Fatalf("sweep must not reap occupied rooms, got %v", destroyed)
	}

	if roomID, ok := svc.RoomOf("user-1"); !ok || roomID != "room-1" {
		t.Fatalf("expected user-1 still in room-1, got %q (ok=%v)", roomID, ok)
	}
	if _, err := svc.ValidateRelay("user-1", "user-2"); err != nil {
		t.Fatalf("relay must keep working after the sweep: %v", err)
	}
}

func TestVoiceService_SweepIdleReapsLingeringEmptyRooms(t *testing.T) {
	svc := NewVoiceService()

	base := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	current := base
	svc.WithClock(func() time.Time { return current })

	svc.mu.Lock()
	svc.rooms["room-stale"] = domain.NewVoiceRoom("room-stale", base)
	svc.rooms["room-fresh"] = domain.NewVoiceRoom("room-fresh", base.Add(90*time.Second))
	svc.mu.Unlock()

	current = base.Add(2 * time.Minute)
	destroyed := svc.SweepIdle(2 * time.Minute)
	if len(destroyed) != 1 || destroyed[0] != "room-stale" {
		t.Fatalf("expected only the stale empty room reaped, got %v", destroyed)
	}
	if participants := svc.Participants("room-fresh"); participants == nil {
		t.Fatal("expected the fresh empty room preserved")
	}
}
