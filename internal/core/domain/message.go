package domain

import "time"

// UserRef is the public profile snippet attached to broadcast messages so
// receivers need no additional round-trip to render the author.
type UserRef struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// Message is a chat message as returned by the persistence collaborator.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Author    UserRef   `json:"author"`
}
