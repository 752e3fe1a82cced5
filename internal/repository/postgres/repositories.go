package postgres

import "github.com/jackc/pgx/v5/pgxpool"

// Repositories aggregates the PostgreSQL-backed collaborators.
type Repositories struct {
	Messages *MessageRepository
	Rooms    *RoomRepository
	Friends  *FriendRepository
}

// NewRepositories wires every repository to the shared pool.
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		Messages: NewMessageRepository(pool),
		Rooms:    NewRoomRepository(pool),
		Friends:  NewFriendRepository(pool),
	}
}
