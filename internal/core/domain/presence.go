package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PresenceStatus enumerates the global online states a user can occupy.
type PresenceStatus string

const (
	// PresenceActive means the user has at least one live connection backed by a valid session.
	PresenceActive PresenceStatus = "active"
	// PresenceAway means the user is connected but has produced no inbound activity recently.
	PresenceAway PresenceStatus = "away"
	// PresenceInactive means the user has no live connection and no valid session.
	PresenceInactive PresenceStatus = "inactive"
)

// DerivePresence is the single authoritative derivation of a user's global
// status from connection count, session validity, and idleness. Status is
// never settable directly.
func DerivePresence(connections int, sessionValid bool, idle bool) PresenceStatus {
	if connections <= 0 || !sessionValid {
		return PresenceInactive
	}
	if idle {
		return PresenceAway
	}
	return PresenceActive
}

// UserPresence is the store-persisted presence entry for a user. It carries a
// short TTL and is refreshed by the heartbeat loop while a connection lives.
type UserPresence struct {
	UserID      string         `json:"user_id"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"last_seen"`
	CurrentRoom *string        `json:"current_room,omitempty"`
}

// RoomPresence is a derived, never-persisted view of who occupies a room.
type RoomPresence struct {
	RoomID       string         `json:"room_id"`
	Users        []UserPresence `json:"users"`
	ActiveUsers  int            `json:"active_users"`
	LastActivity time.Time      `json:"last_activity"`
}

// Signature produces a stable fingerprint of the snapshot (sorted user+status
// pairs) so identical re-broadcasts can be suppressed.
func (p RoomPresence) Signature() string {
	pairs := make([]string, 0, len(p.Users))
	for _, u := range p.Users {
		pairs = append(pairs, fmt.Sprintf("%s=%s", u.UserID, u.Status))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// TypingStatus tracks a user's typing indicator inside one room. Entries are
// ephemeral and expire after a fixed timeout whether or not a stop event arrives.
type TypingStatus struct {
	UserID    string    `json:"user_id"`
	RoomID    string    `json:"room_id"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

// Expired reports whether the entry has outlived the supplied timeout.
func (t TypingStatus) Expired(at time.Time, timeout time.Duration) bool {
	return at.Sub(t.Timestamp) >= timeout
}
