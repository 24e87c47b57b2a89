package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/notify"
	"github.com/roomcast/backend/internal/repositories"
)

const (
	MaxContentLength = 5000
	DefaultHistory   = 50
	MaxHistory       = 200
)

// MessageInput is the caller-supplied part of a new message.
type MessageInput struct {
	Content    string
	Type       models.MessageType
	ReplyTo    string
	Attachment *models.Attachment
}

func validateContent(content string, hasAttachment bool) error {
	n := utf8.RuneCountInString(content)
	if n > MaxContentLength {
		return fmt.Errorf("message exceeds %d characters: %w", MaxContentLength, models.ErrInvalidInput)
	}
	if strings.TrimSpace(content) == "" && !hasAttachment {
		return fmt.Errorf("message content is required: %w", models.ErrInvalidInput)
	}
	return nil
}

// SendMessage persists a message and broadcasts it to the room.
func (s *Service) SendMessage(ctx context.Context, roomID, actorID string, in MessageInput) (models.ChatMessage, error) {
	room, err := s.authorize(ctx, roomID, actorID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if err := validateContent(in.Content, in.Attachment != nil); err != nil {
		return models.ChatMessage{}, err
	}
	if in.ReplyTo != "" {
		parent, err := s.messages.FindByID(ctx, in.ReplyTo)
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			return models.ChatMessage{}, fmt.Errorf("reply target %s is not in room %s: %w", in.ReplyTo, room.ID, models.ErrInvalidInput)
		case err != nil:
			return models.ChatMessage{}, fmt.Errorf("load reply target %s: %w", in.ReplyTo, err)
		case parent.RoomID != room.ID:
			return models.ChatMessage{}, fmt.Errorf("reply target %s is not in room %s: %w", in.ReplyTo, room.ID, models.ErrInvalidInput)
		}
	}

	msgType := in.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	message := models.ChatMessage{
		ID:         uuid.NewString(),
		RoomID:     room.ID,
		SenderID:   actorID,
		Content:    in.Content,
		Type:       msgType,
		ReplyTo:    in.ReplyTo,
		Attachment: in.Attachment,
		ReadBy:     models.NewUserSet(),
		CreatedAt:  s.now(),
	}
	if err := s.messages.Create(ctx, message); err != nil {
		return models.ChatMessage{}, fmt.Errorf("store message: %w", err)
	}
	if err := s.rooms.RecordActivity(ctx, room.ID); err != nil {
		s.logger.Warn("record room activity failed", "roomId", room.ID, "error", err)
	}

	s.broadcast(room.ID, models.Frame{Type: FrameMessage, From: actorID, Data: message})
	s.emit(ctx, notify.EventMessageSent, room, actorID, func(e *notify.Event) {
		e.MessageID = message.ID
		e.Preview = notify.Preview(message.Content, notify.PreviewLength)
	})
	return message, nil
}

// History returns the latest messages of the room, oldest first.
func (s *Service) History(ctx context.Context, roomID, actorID string, limit int) ([]models.ChatMessage, error) {
	if _, err := s.authorize(ctx, roomID, actorID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistory
	}
	if limit > MaxHistory {
		limit = MaxHistory
	}
	messages, err := s.messages.ListForRoom(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return messages, nil
}

// ownMessage loads a live message of the room that actorID sent.
func (s *Service) ownMessage(ctx context.Context, roomID, messageID, actorID string) (models.ChatMessage, error) {
	if _, err := s.authorize(ctx, roomID, actorID); err != nil {
		return models.ChatMessage{}, err
	}
	message, err := s.roomMessage(ctx, roomID, messageID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if message.SenderID != actorID {
		return models.ChatMessage{}, fmt.Errorf("message %s belongs to another user: %w", messageID, models.ErrForbidden)
	}
	if message.Deleted {
		return models.ChatMessage{}, fmt.Errorf("message %s is deleted: %w", messageID, models.ErrInvalidState)
	}
	return message, nil
}

func (s *Service) roomMessage(ctx context.Context, roomID, messageID string) (models.ChatMessage, error) {
	message, err := s.messages.FindByID(ctx, messageID)
	if errors.Is(err, repositories.ErrNotFound) || (err == nil && message.RoomID != roomID) {
		return models.ChatMessage{}, fmt.Errorf("message %s in room %s: %w", messageID, roomID, models.ErrNotFound)
	}
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("load message: %w", err)
	}
	return message, nil
}

// EditMessage replaces the content of the actor's own message.
func (s *Service) EditMessage(ctx context.Context, roomID, messageID, actorID, content string) (models.ChatMessage, error) {
	if err := validateContent(content, false); err != nil {
		return models.ChatMessage{}, err
	}
	message, err := s.ownMessage(ctx, roomID, messageID, actorID)
	if err != nil {
		return models.ChatMessage{}, err
	}

	now := s.now()
	message.Content = content
	message.Edited = true
	message.EditedAt = &now
	if err := s.messages.Update(ctx, message); err != nil {
		return models.ChatMessage{}, fmt.Errorf("update message: %w", err)
	}
	s.broadcast(roomID, models.Frame{Type: FrameMessageUpdated, From: actorID, Data: message})
	return message, nil
}

// DeleteMessage soft-deletes the actor's own message.
func (s *Service) DeleteMessage(ctx context.Context, roomID, messageID, actorID string) (models.ChatMessage, error) {
	message, err := s.ownMessage(ctx, roomID, messageID, actorID)
	if err != nil {
		return models.ChatMessage{}, err
	}

	now := s.now()
	message.Deleted = true
	message.DeletedAt = &now
	if err := s.messages.Update(ctx, message); err != nil {
		return models.ChatMessage{}, fmt.Errorf("delete message: %w", err)
	}
	s.broadcast(roomID, models.Frame{Type: FrameMessageDeleted, From: actorID, Data: map[string]string{"messageId": message.ID}})
	return message, nil
}

// MarkRead records that actorID has read the message.
func (s *Service) MarkRead(ctx context.Context, roomID, messageID, actorID string) error {
	if _, err := s.authorize(ctx, roomID, actorID); err != nil {
		return err
	}
	if _, err := s.roomMessage(ctx, roomID, messageID); err != nil {
		return err
	}
	if err := s.messages.MarkRead(ctx, messageID, actorID, s.now()); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
