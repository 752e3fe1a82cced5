package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

// ErrNotInVoiceRoom indicates the user holds no voice room membership.
var ErrNotInVoiceRoom = errors.New("not in a voice room")

// ErrTargetNotInVoice indicates the signaling target shares no voice room with the sender.
var ErrTargetNotInVoice = errors.New("target not in the voice room")

// VoiceService keeps the per-instance voice rosters. A user occupies at most
// one voice room; joining another implicitly leaves the first. Rooms are
// created on first join, destroyed when the last participant leaves, and
// reaped by the idle sweep.
type VoiceService struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	rooms    map[string]*domain.VoiceRoom
	userRoom map[string]string
}

// NewVoiceService constructs a VoiceService.
func NewVoiceService() *VoiceService {
	return &VoiceService{
		logger:   zap.NewNop(),
		now:      time.Now,
		rooms:    make(map[string]*domain.VoiceRoom),
		userRoom: make(map[string]string),
	}
}

// WithLogger attaches a structured logger.
func (s *VoiceService) WithLogger(logger *zap.Logger) *VoiceService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithClock overrides the time source. Intended for tests.
func (s *VoiceService) WithClock(now func() time.Time) *VoiceService {
	if now != nil {
		s.now = now
	}
	return s
}

// JoinResult reports the outcome of a voice join.
type JoinResult struct {
	// Roster is the existing participants, excluding the joiner.
	Roster []domain.VoiceParticipant
	// Participant is the joiner's own record.
	Participant domain.VoiceParticipant
	// PreviousRoom is non-empty when the join implicitly left another room.
	PreviousRoom string
	// PreviousDestroyed reports whether the implicit leave emptied that room.
	PreviousDestroyed bool
}

// Join adds the user to the room's voice call, creating the room if absent.
func (s *VoiceService) Join(connID, userID, roomID string) JoinResult {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	result := JoinResult{}
	if prev, ok := s.userRoom[userID]; ok && prev != roomID {
		result.PreviousRoom = prev
		result.PreviousDestroyed = s.removeLocked(prev, userID, now)
	}

	room, ok := s.rooms[roomID]
	if !ok {
		room = domain.NewVoiceRoom(roomID, now)
		s.rooms[roomID] = room
	}

	participant := &domain.VoiceParticipant{
		UserID:       userID,
		ConnectionID: connID,
		JoinedAt:     now,
	}
	result.Roster = room.Roster(userID)
	room.Add(participant)
	s.userRoom[userID] = roomID
	result.Participant = *participant

	return result
}

// Leave removes the user from their voice room. Returns the room id, whether
// the room was destroyed, and whether the user was in a room at all.
func (s *VoiceService) Leave(userID string) (string, bool, bool) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.userRoom[userID]
	if !ok {
		return "", false, false
	}

	destroyed := s.removeLocked(roomID, userID, now)
	return roomID, destroyed, true
}

// removeLocked drops the user from the room and destroys it when empty.
// Caller holds the mutex.
func (s *VoiceService) removeLocked(roomID, userID string, at time.Time) bool {
	delete(s.userRoom, userID)

	room, ok := s.rooms[roomID]
	if !ok {
		s.logger.Warn("voice membership pointed at missing room",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
		)
		return false
	}

	room.Remove(userID, at)
	if room.IsEmpty() {
		delete(s.rooms, roomID)
		return true
	}
	return false
}

// RoomOf returns the voice room the user currently occupies.
func (s *VoiceService) RoomOf(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, ok := s.userRoom[userID]
	return roomID, ok
}

// Participants snapshots the room's roster.
func (s *VoiceService) Participants(roomID string) []domain.VoiceParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return room.Roster("")
}

// ValidateRelay confirms sender and target share a voice room and returns it.
func (s *VoiceService) ValidateRelay(fromUserID, toUserID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.userRoom[fromUserID]
	if !ok {
		return "", ErrNotInVoiceRoom
	}
	if s.userRoom[toUserID] != roomID {
		return "", ErrTargetNotInVoice
	}
	return roomID, nil
}

// SetMute updates the user's mute flag. Deafened participants stay muted.
func (s *VoiceService) SetMute(userID string, muted bool) (*domain.VoiceParticipant, string, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.userRoom[userID]
	if !ok {
		return nil, "", ErrNotInVoiceRoom
	}
	room := s.rooms[roomID]
	participant, ok := room.SetMute(userID, muted, now)
	if !ok {
		return nil, "", ErrNotInVoiceRoom
	}

	copied := *participant
	return &copied, roomID, nil
}

// SetDeafen updates the user's deafen flag. Deafening forces mute; un-deafening
// leaves the mute flag untouched.
func (s *VoiceService) SetDeafen(userID string, deafened bool) (*domain.VoiceParticipant, string, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.userRoom[userID]
	if !ok {
		return nil, "", ErrNotInVoiceRoom
	}
	room := s.rooms[roomID]
	participant, ok := room.SetDeafen(userID, deafened, now)
	if !ok {
		return nil, "", ErrNotInVoiceRoom
	}

	copied := *participant
	return &copied, roomID, nil
}

// SweepIdle reaps rooms that have sat empty past the timeout and returns
// their ids. Occupied rooms are never reaped: an established call carries
// media peer to peer and may stay signaling-quiet for its whole duration.
func (s *VoiceService) SweepIdle(idleTimeout time.Duration) []string {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var destroyed []string
	for roomID, room := range s.rooms {
		if !room.IsEmpty() || room.IdleFor(now) < idleTimeout {
			continue
		}
		delete(s.rooms, roomID)
		destroyed = append(destroyed, roomID)
		s.logger.Info("idle voice room destroyed", zap.String("room_id", roomID))
	}

	return destroyed
}

// RunIdleSweep runs SweepIdle on a timer until ctx is done, invoking onDestroy
// for each reaped room.
func (s *VoiceService) RunIdleSweep(ctx context.Context, interval, idleTimeout time.Duration, onDestroy func(roomID string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, roomID := range s.SweepIdle(idleTimeout) {
				if onDestroy != nil {
					onDestroy(roomID)
				}
			}
		}
	}
}
