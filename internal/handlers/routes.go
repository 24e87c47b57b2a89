package handlers

import (
	"net/http"

	"github.com/roomcast/backend/internal/middleware"
)

// RegisterRoutes wires HTTP handlers into the provided ServeMux. Everything
// under /api/ requires a bearer token.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Store: deps.Store, Sessions: deps.Sessions}
	rooms := RoomHandler{Rooms: deps.Rooms, Limiter: deps.Limiter}
	messages := MessageHandler{Chat: deps.Chat, Limiter: deps.Limiter}
	invites := InviteHandler{Invites: deps.Invites, Limiter: deps.Limiter}

	mux.HandleFunc("/healthz", health.Handle)
	if deps.Realtime != nil {
		mux.Handle("GET /ws", deps.Realtime)
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/rooms", rooms.ListMine)
	api.HandleFunc("GET /api/v1/rooms/public", rooms.ListPublic)
	api.HandleFunc("POST /api/v1/rooms", rooms.Create)
	api.HandleFunc("GET /api/v1/rooms/{id}", rooms.Get)
	api.HandleFunc("PATCH /api/v1/rooms/{id}", rooms.Update)
	api.HandleFunc("POST /api/v1/rooms/{id}/join", rooms.Join)
	api.HandleFunc("POST /api/v1/rooms/{id}/leave", rooms.Leave)
	api.HandleFunc("POST /api/v1/rooms/{id}/close", rooms.Close)
	api.HandleFunc("POST /api/v1/rooms/{id}/admins/{userId}", rooms.Promote)
	api.HandleFunc("DELETE /api/v1/rooms/{id}/admins/{userId}", rooms.Demote)

	api.HandleFunc("GET /api/v1/rooms/{id}/messages", messages.History)
	api.HandleFunc("POST /api/v1/rooms/{id}/messages", messages.Send)
	api.HandleFunc("PATCH /api/v1/rooms/{id}/messages/{messageId}", messages.Edit)
	api.HandleFunc("DELETE /api/v1/rooms/{id}/messages/{messageId}", messages.Delete)
	api.HandleFunc("POST /api/v1/rooms/{id}/messages/{messageId}/read", messages.MarkRead)
	api.HandleFunc("POST /api/v1/rooms/{id}/attachments", messages.Upload)
	api.HandleFunc("GET /api/v1/rooms/{id}/screenshare", messages.ActiveShare)

	api.HandleFunc("POST /api/v1/rooms/{id}/invites", invites.InviteMany)
	api.HandleFunc("POST /api/v1/invites", invites.Create)
	api.HandleFunc("GET /api/v1/invites", invites.List)
	api.HandleFunc("GET /api/v1/invites/pending", invites.ListPending)
	api.HandleFunc("POST /api/v1/invites/{id}/accept", invites.Accept)
	api.HandleFunc("POST /api/v1/invites/{id}/decline", invites.Decline)
	api.HandleFunc("POST /api/v1/invites/{id}/cancel", invites.Cancel)

	mux.Handle("/api/", middleware.Authenticate(deps.Tokens, deps.Directory)(api))
}
