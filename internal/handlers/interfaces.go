package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/roomcast/backend/internal/chat"
	"github.com/roomcast/backend/internal/invites"
	"github.com/roomcast/backend/internal/middleware"
	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/rooms"
)

// RoomService captures the room operations exposed over HTTP.
type RoomService interface {
	CreateGroup(ctx context.Context, creatorID string, spec rooms.GroupSpec) (models.Room, error)
	Get(ctx context.Context, roomID, userID string) (models.Room, error)
	ListForUser(ctx context.Context, userID string) ([]models.Room, error)
	ListPublic(ctx context.Context) ([]models.Room, error)
	JoinPublic(ctx context.Context, roomID, userID string) (models.Room, error)
	Leave(ctx context.Context, roomID, userID string) (models.Room, error)
	Close(ctx context.Context, roomID, actorID string) (models.Room, error)
	PromoteAdmin(ctx context.Context, roomID, actorID, targetID string) (models.Room, error)
	DemoteAdmin(ctx context.Context, roomID, actorID, targetID string) (models.Room, error)
	Update(ctx context.Context, roomID, actorID string, update rooms.Update) (models.Room, error)
}

// ChatService captures message, attachment and screen-share reads.
type ChatService interface {
	History(ctx context.Context, roomID, actorID string, limit int) ([]models.ChatMessage, error)
	SendMessage(ctx context.Context, roomID, actorID string, in chat.MessageInput) (models.ChatMessage, error)
	EditMessage(ctx context.Context, roomID, messageID, actorID, content string) (models.ChatMessage, error)
	DeleteMessage(ctx context.Context, roomID, messageID, actorID string) (models.ChatMessage, error)
	MarkRead(ctx context.Context, roomID, messageID, actorID string) error
	UploadAttachment(ctx context.Context, roomID, actorID, name, contentType string, size int64, body io.Reader) (models.Attachment, error)
	ActiveShare(ctx context.Context, roomID, actorID string) (models.ScreenShareSession, bool, error)
}

// InviteService captures invitation workflows.
type InviteService interface {
	Create(ctx context.Context, inviterID, inviteeID, message string) (models.Invite, bool, error)
	InviteMany(ctx context.Context, inviterID, roomID string, userIDs []string, message string) []invites.Result
	List(ctx context.Context, userID string) ([]models.Invite, error)
	ListPending(ctx context.Context, userID string) ([]models.Invite, error)
	Accept(ctx context.Context, inviteID, actorID string) (models.Invite, models.Room, error)
	Decline(ctx context.Context, inviteID, actorID string) (models.Invite, error)
	Cancel(ctx context.Context, inviteID, actorID string) (models.Invite, error)
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Rooms     RoomService
	Chat      ChatService
	Invites   InviteService
	Realtime  http.Handler
	Tokens    middleware.TokenVerifier
	Directory middleware.IdentityRecorder
	Limiter   RateLimiter
	Store     StoreChecker
	Sessions  ConnectionCounter
}
