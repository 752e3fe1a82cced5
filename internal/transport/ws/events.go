package ws

import (
	"encoding/json"
	"time"
)

// Inbound event types accepted from clients.
const (
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventSendMessage     = "send_message"
	EventTypingStart     = "typing_start"
	EventTypingStop      = "typing_stop"
	EventGetRoomPresence = "get_room_presence"
	EventHeartbeat       = "heartbeat"
	EventWebRTCSignal    = "webrtc_signal"
	EventVoiceJoin       = "voice_join"
	EventVoiceLeave      = "voice_leave"
	EventVoiceMute       = "voice_mute"
	EventVoiceDeafen     = "voice_deafen"
	EventDirectMessage   = "direct_message"
	EventFriendRequest   = "friend_request_sent"
	EventFriendAccepted  = "friend_request_accepted"
	EventFriendRemoved   = "friend_removed"
	EventRoomKick        = "room_kick"
	EventRoomBan         = "room_ban"
)

// Outbound event types sent to clients.
const (
	EventError             = "error"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventHeartbeatAck      = "heartbeat_ack"
	EventNewMessage        = "new_message"
	EventMessageAck        = "message_ack"
	EventRecentMessages    = "recent_messages"
	EventOfflineMessages   = "offline_messages"
	EventRoomPresence      = "room_presence"
	EventPresenceChanged   = "presence_changed"
	EventUserTyping        = "user_typing"
	EventUserJoinedRoom    = "user_joined_room"
	EventUserLeftRoom      = "user_left_room"
	EventRemovedFromRoom   = "removed_from_room"
	EventVoiceRoster       = "voice_roster"
	EventVoiceUserJoined   = "voice_user_joined"
	EventVoiceUserLeft     = "voice_user_left"
	EventVoiceUserState    = "voice_user_state"
	EventVoiceRoomClosed   = "voice_room_closed"
	EventFriendOnline      = "friend_online"
	EventFriendOffline     = "friend_offline"
)

// Structured close codes for handshake rejection.
const (
	CloseTokenExpired   = 4001
	CloseSessionRevoked = 4002
	CloseMalformedToken = 4003
	CloseRateLimited    = 4029
)

// clientEvent is the envelope every inbound frame must carry.
type clientEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// serverEvent is the envelope for every outbound frame.
type serverEvent struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// errorPayload is the structured failure surface. Internal details never leak
// through it.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type joinRoomPayload struct {
	RoomID string `json:"room_id"`
}

type leaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

type sendMessagePayload struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
	Type    string `json:"message_type,omitempty"`
	TempID  string `json:"temp_id,omitempty"`
}

type typingPayload struct {
	RoomID string `json:"room_id"`
}

type roomPresencePayload struct {
	RoomID string `json:"room_id"`
}

type webrtcSignalPayload struct {
	Type string          `json:"type"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

type voiceJoinPayload struct {
	RoomID string `json:"room_id"`
}

type voiceMutePayload struct {
	Muted bool `json:"muted"`
}

type voiceDeafenPayload struct {
	Deafened bool `json:"deafened"`
}

type directMessagePayload struct {
	ToUserID string `json:"to_user_id"`
	Content  string `json:"content"`
	TempID   string `json:"temp_id,omitempty"`
}

type friendNotifyPayload struct {
	ToUserID string `json:"to_user_id"`
}

type moderationPayload struct {
	RoomID       string `json:"room_id"`
	TargetUserID string `json:"target_user_id"`
	Reason       string `json:"reason,omitempty"`
}
