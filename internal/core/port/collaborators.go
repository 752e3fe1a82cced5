package port

import (
	"context"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

// MessageStore is the durable persistence collaborator for chat messages. Its
// internals (schema, indexing, retention) are outside the gateway's concern.
type MessageStore interface {
	// Persist durably stores the message and returns it enriched with the
	// author's public profile snippet.
	Persist(ctx context.Context, roomID, userID, content, messageType string) (*domain.Message, error)
	// Recent returns the newest messages in the room, oldest first.
	Recent(ctx context.Context, roomID string, limit int) ([]domain.Message, error)
}

// RoomDirectory answers room membership and moderation questions.
type RoomDirectory interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	IsModerator(ctx context.Context, roomID, userID string) (bool, error)
}

// FriendDirectory resolves a user's social contacts for offline fan-out.
type FriendDirectory interface {
	FriendsOf(ctx context.Context, userID string) ([]domain.UserRef, error)
}
