package handlers

import (
	"context"
	"net/http"

	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/rooms"
)

// RoomHandler implements the room endpoints.
type RoomHandler struct {
	Rooms   RoomService
	Limiter RateLimiter
}

type createRoomRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=100"`
	Private     bool   `json:"private"`
	MaxMembers  int    `json:"maxMembers" validate:"gte=0"`
	IconURL     string `json:"iconUrl" validate:"omitempty,url"`
}

type updateRoomRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=200"`
	Description *string `json:"description" validate:"omitempty,max=100"`
	IconURL     *string `json:"iconUrl" validate:"omitempty,url"`
}

// ListMine handles GET /api/v1/rooms.
func (h RoomHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}
	list, err := h.Rooms.ListForUser(r.Context(), identity.UserID)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, map[string]any{"rooms": list})
}

// ListPublic handles GET /api/v1/rooms/public.
func (h RoomHandler) ListPublic(w http.ResponseWriter, r *http.Request) {
	list, err := h.Rooms.ListPublic(r.Context())
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, map[string]any{"rooms": list})
}

// Create handles POST /api/v1/rooms.
func (h RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "rooms") {
		return
	}

	var req createRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(r.Context(), w, err)
		return
	}

	room, err := h.Rooms.CreateGroup(r.Context(), identity.UserID, rooms.GroupSpec{
		Name:        req.Name,
		Description: req.Description,
		Private:     req.Private,
		MaxMembers:  req.MaxMembers,
		IconURL:     req.IconURL,
	})
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusCreated, room)
}

// Get handles GET /api/v1/rooms/{id}.
func (h RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}
	room, err := h.Rooms.Get(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, room)
}

// Update handles PATCH /api/v1/rooms/{id}.
func (h RoomHandler) Update(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "rooms") {
		return
	}

	var req updateRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(r.Context(), w, err)
		return
	}

	room, err := h.Rooms.Update(r.Context(), r.PathValue("id"), identity.UserID, rooms.Update{
		Name:        req.Name,
		Description: req.Description,
		IconURL:     req.IconURL,
	})
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, room)
}

// Join handles POST /api/v1/rooms/{id}/join.
func (h RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, h.Rooms.JoinPublic)
}

// Leave handles POST /api/v1/rooms/{id}/leave.
func (h RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, h.Rooms.Leave)
}

// Close handles POST /api/v1/rooms/{id}/close.
func (h RoomHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, h.Rooms.Close)
}

// Promote handles POST /api/v1/rooms/{id}/admins/{userId}.
func (h RoomHandler) Promote(w http.ResponseWriter, r *http.Request) {
	h.admin(w, r, h.Rooms.PromoteAdmin)
}

// Demote handles DELETE /api/v1/rooms/{id}/admins/{userId}.
func (h RoomHandler) Demote(w http.ResponseWriter, r *http.Request) {
	h.admin(w, r, h.Rooms.DemoteAdmin)
}

func (h RoomHandler) membership(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, roomID, userID string) (models.Room, error)) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "rooms") {
		return
	}
	room, err := op(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, room)
}

func (h RoomHandler) admin(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, roomID, actorID, targetID string) (models.Room, error)) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "rooms") {
		return
	}
	room, err := op(r.Context(), r.PathValue("id"), identity.UserID, r.PathValue("userId"))
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, room)
}
