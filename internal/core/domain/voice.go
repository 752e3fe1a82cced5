package domain

import "time"

// VoiceParticipant records one user's membership in a voice room together with
// the connection that carries their signaling traffic.
type VoiceParticipant struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	IsMuted      bool      `json:"is_muted"`
	IsDeafened   bool      `json:"is_deafened"`
	JoinedAt     time.Time `json:"joined_at"`
}

// VoiceRoom is the in-process roster for one room's voice call. It exists only
// while at least one participant is present or until the idle sweep collects it.
type VoiceRoom struct {
	RoomID       string
	Participants map[string]*VoiceParticipant
	CreatedAt    time.Time
	LastActivity time.Time
}

// NewVoiceRoom constructs an empty voice room.
func NewVoiceRoom(roomID string, at time.Time) *VoiceRoom {
	return &VoiceRoom{
		RoomID:       roomID,
		Participants: make(map[string]*VoiceParticipant),
		CreatedAt:    at,
		LastActivity: at,
	}
}

// Add registers a participant, replacing any previous record for the user.
func (r *VoiceRoom) Add(p *VoiceParticipant) {
	r.Participants[p.UserID] = p
	r.LastActivity = p.JoinedAt
}

// Remove deletes the participant record. Returns true when the user was present.
func (r *VoiceRoom) Remove(userID string, at time.Time) bool {
	if _, ok := r.Participants[userID]; !ok {
		return false
	}
	delete(r.Participants, userID)
	r.LastActivity = at
	return true
}

// Roster returns the participants excluding the supplied user.
func (r *VoiceRoom) Roster(excludeUserID string) []VoiceParticipant {
	out := make([]VoiceParticipant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.UserID == excludeUserID {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// SetMute updates the participant's mute flag. A deafened participant stays
// muted regardless of the requested value.
func (r *VoiceRoom) SetMute(userID string, muted bool, at time.Time) (*VoiceParticipant, bool) {
	p, ok := r.Participants[userID]
	if !ok {
		return nil, false
	}
	if p.IsDeafened {
		muted = true
	}
	p.IsMuted = muted
	r.LastActivity = at
	return p, true
}

// SetDeafen updates the participant's deafen flag. Deafening forces mute;
// un-deafening leaves the mute flag untouched.
func (r *VoiceRoom) SetDeafen(userID string, deafened bool, at time.Time) (*VoiceParticipant, bool) {
	p, ok := r.Participants[userID]
	if !ok {
		return nil, false
	}
	p.IsDeafened = deafened
	if deafened {
		p.IsMuted = true
	}
	r.LastActivity = at
	return p, true
}

// IsEmpty reports whether the room has no participants left.
func (r *VoiceRoom) IsEmpty() bool {
	return len(r.Participants) == 0
}

// IdleFor reports how long the room has been without activity.
func (r *VoiceRoom) IdleFor(at time.Time) time.Duration {
	return at.Sub(r.LastActivity)
}

// SignalEnvelope is the opaque signaling payload relayed between two voice
// participants. The gateway never inspects Data.
type SignalEnvelope struct {
	Type      string    `json:"type"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
