package repositories

import (
	"context"
	"time"

	"github.com/roomcast/backend/internal/models"
)

// RoomRepository persists rooms together with their member and admin sets.
type RoomRepository interface {
	FindByID(ctx context.Context, id string) (models.Room, error)
	// FindDirectRoomBetween returns the DIRECT room for the unordered pair, active or not.
	FindDirectRoomBetween(ctx context.Context, userA, userB string) (models.Room, error)
	// Save inserts or updates the room, assigning an ID on first save.
	Save(ctx context.Context, room *models.Room) error
	ListForUser(ctx context.Context, userID string) ([]models.Room, error)
	ListPublic(ctx context.Context) ([]models.Room, error)
}

// InviteRepository persists invitations. Save returns ErrConflict when a second
// PENDING invite would exist for the same room and invited user.
type InviteRepository interface {
	FindByID(ctx context.Context, id string) (models.Invite, error)
	FindPendingFor(ctx context.Context, roomID, invitedUserID string) (models.Invite, error)
	Save(ctx context.Context, invite *models.Invite) error
	ListForUser(ctx context.Context, invitedUserID string, pendingOnly bool) ([]models.Invite, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// MessageRepository persists chat messages.
type MessageRepository interface {
	Create(ctx context.Context, message models.ChatMessage) error
	FindByID(ctx context.Context, id string) (models.ChatMessage, error)
	Update(ctx context.Context, message models.ChatMessage) error
	ListForRoom(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
	MarkRead(ctx context.Context, messageID, userID string, at time.Time) error
}

// UserRepository stores the local projection of external identities.
type UserRepository interface {
	Upsert(ctx context.Context, user models.User) error
	FindByID(ctx context.Context, id string) (models.User, error)
}

// TxFunc runs against repositories bound to a single atomic unit of work.
type TxFunc func(ctx context.Context, rooms RoomRepository, invites InviteRepository) error

// Store bundles the repositories and runs atomic room/invite units.
type Store interface {
	Rooms() RoomRepository
	Invites() InviteRepository
	Messages() MessageRepository
	Users() UserRepository
	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
	// Atomic applies every write made through the provided repositories or none of them.
	Atomic(ctx context.Context, name string, fn TxFunc) error
}
