package handlers

import (
	"context"
	"net/http"

	"github.com/roomcast/backend/internal/models"
)

// InviteHandler implements the invitation endpoints.
type InviteHandler struct {
	Invites InviteService
	Limiter RateLimiter
}

type createInviteRequest struct {
	UserID  string `json:"userId" validate:"required,max=128"`
	Message string `json:"message" validate:"max=500"`
}

type inviteManyRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=100,dive,required,max=128"`
	Message string   `json:"message" validate:"max=500"`
}

type inviteResponse struct {
	Invite  models.Invite `json:"invite"`
	Created bool          `json:"created"`
}

// Create handles POST /api/v1/invites, inviting a user to a direct room.
func (h InviteHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "invites") {
		return
	}

	var req createInviteRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(r.Context(), w, err)
		return
	}

	invite, created, err := h.Invites.Create(r.Context(), identity.UserID, req.UserID, req.Message)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(r.Context(), w, status, inviteResponse{Invite: invite, Created: created})
}

// InviteMany handles POST /api/v1/rooms/{id}/invites.
func (h InviteHandler) InviteMany(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "invites") {
		return
	}

	var req inviteManyRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(r.Context(), w, err)
		return
	}

	results := h.Invites.InviteMany(r.Context(), identity.UserID, r.PathValue("id"), req.UserIDs, req.Message)
	respondJSON(r.Context(), w, http.StatusOK, map[string]any{"results": results})
}

// List handles GET /api/v1/invites.
func (h InviteHandler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.Invites.List)
}

// ListPending handles GET /api/v1/invites/pending.
func (h InviteHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.Invites.ListPending)
}

func (h InviteHandler) list(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID string) ([]models.Invite, error)) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}
	list, err := op(r.Context(), identity.UserID)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, map[string]any{"invites": list})
}

// Accept handles POST /api/v1/invites/{id}/accept.
func (h InviteHandler) Accept(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "invites") {
		return
	}

	invite, room, err := h.Invites.Accept(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, map[string]any{"invite": invite, "room": room})
}

// Decline handles POST /api/v1/invites/{id}/decline.
func (h InviteHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.Invites.Decline)
}

// Cancel handles POST /api/v1/invites/{id}/cancel.
func (h InviteHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.Invites.Cancel)
}

func (h InviteHandler) respond(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, inviteID, actorID string) (models.Invite, error)) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "invites") {
		return
	}
	invite, err := op(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, map[string]any{"invite": invite})
}
