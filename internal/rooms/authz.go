package rooms

import "github.com/roomcast/backend/internal/models"

// CanAct is the single authorization predicate for room-scoped operations.
// Every REST and realtime entry point calls through it.
func CanAct(room models.Room, userID string) bool {
	return room.IsActive && (room.Type == models.RoomTypePublic || room.IsMember(userID))
}
