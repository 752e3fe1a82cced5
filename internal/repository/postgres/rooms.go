package postgres

import (
	"context"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklim/social-platform-rtc/internal/core/port"
)

// RoomRepository implements port.RoomDirectory for PostgreSQL.
type RoomRepository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewRoomRepository constructs a RoomRepository.
func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// IsMember reports whether the user belongs to the room.
func (r *RoomRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	return r.exists(ctx, squirrel.Eq{"room_id": roomID, "user_id": userID})
}

// IsModerator reports whether the user holds a moderation role in the room.
func (r *RoomRepository) IsModerator(ctx context.Context, roomID, userID string) (bool, error) {
	return r.exists(ctx, squirrel.And{
		squirrel.Eq{"room_id": roomID, "user_id": userID},
		squirrel.Eq{"role": []string{"moderator", "owner"}},
	})
}

func (r *RoomRepository) exists(ctx context.Context, pred squirrel.Sqlizer) (bool, error) {
	inner, args, err := r.builder.Select("1").
		From("chat.room_members").
		Where(pred).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build membership sql: %w", err)
	}

	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (%s)", inner)
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}

	return exists, nil
}

var _ port.RoomDirectory = (*RoomRepository)(nil)
