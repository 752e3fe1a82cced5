package domain

import (
	"encoding/json"
	"time"
)

// GatewayEventKind names the fan-out events exchanged between instances.
type GatewayEventKind string

const (
	// GatewayEventRoomBroadcast delivers a payload to every local connection in a room.
	GatewayEventRoomBroadcast GatewayEventKind = "room_broadcast"
	// GatewayEventUserDelivery delivers a payload to every local connection of one user.
	GatewayEventUserDelivery GatewayEventKind = "user_delivery"
	// GatewayEventPresenceChanged announces a user's presence transition to interested rooms.
	GatewayEventPresenceChanged GatewayEventKind = "presence_changed"
	// GatewayEventRoomRemoval evicts a user from a room channel on every instance,
	// so a moderation kick reaches connections the kicking instance never sees.
	GatewayEventRoomRemoval GatewayEventKind = "room_removal"
)

// GatewayEvent is the message-passing envelope published to the shared store's
// pub/sub channel. Instances apply events from other origins to their local
// connection registries; consumers must tolerate duplicate delivery.
type GatewayEvent struct {
	Kind          GatewayEventKind `json:"kind"`
	Origin        string           `json:"origin"`
	RoomID        string           `json:"room_id,omitempty"`
	UserID        string           `json:"user_id,omitempty"`
	ExcludeUserID string           `json:"exclude_user_id,omitempty"`
	Payload       json.RawMessage  `json:"payload"`
	Timestamp     time.Time        `json:"timestamp"`
}

// SessionRevokedEvent represents the payload for rtc.session.revoked messages.
type SessionRevokedEvent struct {
	EventID   string
	SessionID string
	UserID    string
	RevokedAt time.Time
	RevokedBy string
	Reason    string
	Metadata  map[string]any
}

// PresenceChangedEvent represents the payload for rtc.presence.changed messages.
type PresenceChangedEvent struct {
	EventID   string
	UserID    string
	Status    PresenceStatus
	ChangedAt time.Time
	Metadata  map[string]any
}

// MessagePersistedEvent represents the payload for rtc.message.persisted messages.
type MessagePersistedEvent struct {
	EventID     string
	MessageID   string
	RoomID      string
	UserID      string
	PersistedAt time.Time
	Metadata    map[string]any
}
