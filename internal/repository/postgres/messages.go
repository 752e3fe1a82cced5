package postgres

import (
	"context"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
	"github.com/arklim/social-platform-rtc/internal/repository"
)

// MessageRepository implements port.MessageStore for PostgreSQL. The gateway
// treats durable storage as a collaborator; this adapter only inserts and
// reads back rows, enrichment included.
type MessageRepository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewMessageRepository constructs a MessageRepository.
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Persist durably stores the message and returns it with the author's public
// profile snippet attached.
func (r *MessageRepository) Persist(ctx context.Context, roomID, userID, content, messageType string) (*domain.Message, error) {
	sql, args, err := r.builder.Insert("chat.messages").
		Columns("room_id", "user_id", "content", "message_type").
		Values(roomID, userID, content, messageType).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert message sql: %w", err)
	}

	message := domain.Message{
		RoomID:  roomID,
		UserID:  userID,
		Content: content,
		Type:    messageType,
	}
	if err := r.pool.QueryRow(ctx, sql, args...).Scan(&message.ID, &message.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	author, err := r.authorSnippet(ctx, userID)
	if err != nil {
		return nil, err
	}
	message.Author = *author

	return &message, nil
}

// Recent returns the newest messages in the room, oldest first, author snippet included.
func (r *MessageRepository) Recent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	sql, args, err := r.builder.Select(
		"m.id",
		"m.room_id",
		"m.user_id",
		"m.content",
		"m.message_type",
		"m.created_at",
		"u.username",
		"u.avatar_url",
	).
		From("chat.messages m").
		Join("chat.users u ON u.id = m.user_id").
		Where(squirrel.Eq{"m.room_id": roomID}).
		OrderBy("m.created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent messages sql: %w", err)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.Message, 0, limit)
	for rows.Next() {
		var message domain.Message
		if err := rows.Scan(
			&message.ID,
			&message.RoomID,
			&message.UserID,
			&message.Content,
			&message.Type,
			&message.CreatedAt,
			&message.Author.Username,
			&message.Author.AvatarURL,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.Author.ID = message.UserID
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Newest-first from the query; callers want oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *MessageRepository) authorSnippet(ctx context.Context, userID string) (*domain.UserRef, error) {
	sql, args, err := r.builder.Select("id", "username", "avatar_url").
		From("chat.users").
		Where(squirrel.Eq{"id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build author sql: %w", err)
	}

	var author domain.UserRef
	if err := r.pool.QueryRow(ctx, sql, args...).Scan(&author.ID, &author.Username, &author.AvatarURL); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("query author: %w", err)
	}

	return &author, nil
}

var _ port.MessageStore = (*MessageRepository)(nil)
