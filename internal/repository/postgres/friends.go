package postgres

import (
	"context"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
	"github.com/arklim/social-platform-rtc/internal/core/port"
)

// FriendRepository implements port.FriendDirectory for PostgreSQL.
type FriendRepository struct {
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

// NewFriendRepository constructs a FriendRepository.
func NewFriendRepository(pool *pgxpool.Pool) *FriendRepository {
	return &FriendRepository{
		pool:    pool,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// FriendsOf returns the accepted friends of the user as public profile snippets.
func (r *FriendRepository) FriendsOf(ctx context.Context, userID string) ([]domain.UserRef, error) {
	sql, args, err := r.builder.Select("u.id", "u.username", "u.avatar_url").
		From("chat.friendships f").
		Join("chat.users u ON u.id = CASE WHEN f.requester_id = ? THEN f.addressee_id ELSE f.requester_id END", userID).
		Where(squirrel.And{
			squirrel.Eq{"f.status": "accepted"},
			squirrel.Or{
				squirrel.Eq{"f.requester_id": userID},
				squirrel.Eq{"f.addressee_id": userID},
			},
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build friends sql: %w", err)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	defer rows.Close()

	friends := make([]domain.UserRef, 0)
	for rows.Next() {
		var friend domain.UserRef
		if err := rows.Scan(&friend.ID, &friend.Username, &friend.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		friends = append(friends, friend)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friends: %w", err)
	}

	return friends, nil
}

var _ port.FriendDirectory = (*FriendRepository)(nil)
