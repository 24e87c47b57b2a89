package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/roomcast/backend/internal/chat"
	"github.com/roomcast/backend/internal/models"
)

// MaxUploadSize bounds attachment uploads.
const MaxUploadSize = 25 << 20

// MessageHandler implements message, attachment and screen-share endpoints.
type MessageHandler struct {
	Chat    ChatService
	Limiter RateLimiter
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"max=5000"`
	Type    string `json:"type" validate:"omitempty,oneof=TEXT IMAGE FILE VIDEO AUDIO ANNOUNCEMENT CODE LINK"`
	ReplyTo string `json:"replyTo"`
}

type editMessageRequest struct {
	Content string `json:"content" validate:"required,max=5000"`
}

// History handles GET /api/v1/rooms/{id}/messages?limit=N.
func (h MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}

	limit := chat.DefaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(r.Context(), w, fmt.Errorf("limit must be a positive integer: %w", models.ErrInvalidInput))
			return
		}
		limit = parsed
	}

	messages, err := h.Chat.History(r.Context(), r.PathValue("id"), identity.UserID, limit)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, map[string]any{"messages": messages})
}

// Send handles POST /api/v1/rooms/{id}/messages.
func (h MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "messages") {
		return
	}

	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(r.Context(), w, err)
		return
	}

	message, err := h.Chat.SendMessage(r.Context(), r.PathValue("id"), identity.UserID, chat.MessageInput{
		Content: req.Content,
		Type:    models.ParseMessageType(req.Type),
		ReplyTo: req.ReplyTo,
	})
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusCreated, message)
}

// Edit handles PATCH /api/v1/rooms/{id}/messages/{messageId}.
func (h MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "messages") {
		return
	}

	var req editMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(r.Context(), w, err)
		return
	}

	message, err := h.Chat.EditMessage(r.Context(), r.PathValue("id"), r.PathValue("messageId"), identity.UserID, req.Content)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, message)
}

// Delete handles DELETE /api/v1/rooms/{id}/messages/{messageId}.
func (h MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "messages") {
		return
	}

	message, err := h.Chat.DeleteMessage(r.Context(), r.PathValue("id"), r.PathValue("messageId"), identity.UserID)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, message)
}

// MarkRead handles POST /api/v1/rooms/{id}/messages/{messageId}/read.
func (h MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}

	if err := h.Chat.MarkRead(r.Context(), r.PathValue("id"), r.PathValue("messageId"), identity.UserID); err != nil {
		respondError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Upload handles POST /api/v1/rooms/{id}/attachments. The multipart "file"
// part is stored and sent to the room as an attachment message.
func (h MessageHandler) Upload(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok || !guard(h.Limiter, w, r, "attachments") {
		return
	}
	ctx := r.Context()
	roomID := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondJSON(ctx, w, http.StatusRequestEntityTooLarge, map[string]string{"error": "attachment too large"})
			return
		}
		respondError(ctx, w, fmt.Errorf("invalid multipart body: %w", errors.Join(models.ErrInvalidInput, err)))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(ctx, w, fmt.Errorf("file part is required: %w", models.ErrInvalidInput))
		return
	}
	defer file.Close()

	attachment, err := h.Chat.UploadAttachment(ctx, roomID, identity.UserID, header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	message, err := h.Chat.SendMessage(ctx, roomID, identity.UserID, chat.MessageInput{
		Content:    r.FormValue("content"),
		Type:       chat.AttachmentMessageType(attachment.ContentType),
		Attachment: &attachment,
	})
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusCreated, map[string]any{"attachment": attachment, "message": message})
}

// ActiveShare handles GET /api/v1/rooms/{id}/screenshare.
func (h MessageHandler) ActiveShare(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}

	session, active, err := h.Chat.ActiveShare(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	if !active {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(r.Context(), w, http.StatusOK, session)
}
