package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/roomcast/backend/internal/models"
)

// AttachmentStore persists uploaded files and returns a public location.
type AttachmentStore interface {
	Save(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

// AttachmentKey places an upload under its room with a unique prefix.
func AttachmentKey(roomID, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '_'
		case r < 0x20 || r == '/' || r == '?' || r == '#':
			return -1
		}
		return r
	}, base)
	if base == "" || base == "." || base == "/" {
		base = "file"
	}
	return fmt.Sprintf("rooms/%s/%s-%s", roomID, uuid.NewString(), base)
}

const (
	genericContentType = "application/octet-stream"
	sniffLen           = 512
)

// resolveContentType keeps a declared type and sniffs the body when the
// declared type is missing or generic. The returned reader replays the
// sniffed prefix.
func resolveContentType(declared string, body io.Reader) (string, io.Reader, error) {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != genericContentType {
		return declared, body, nil
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", nil, fmt.Errorf("sniff attachment: %w", err)
	}
	head = head[:n]
	return mimetype.Detect(head).String(), io.MultiReader(bytes.NewReader(head), body), nil
}

// UploadAttachment stores a file for the room. The returned attachment is
// then referenced by an IMAGE or FILE message.
func (s *Service) UploadAttachment(ctx context.Context, roomID, actorID, name, contentType string, size int64, body io.Reader) (models.Attachment, error) {
	if s.attachments == nil {
		return models.Attachment{}, ErrAttachmentsDisabled
	}
	room, err := s.authorize(ctx, roomID, actorID)
	if err != nil {
		return models.Attachment{}, err
	}
	if strings.TrimSpace(name) == "" {
		return models.Attachment{}, fmt.Errorf("attachment name is required: %w", models.ErrInvalidInput)
	}

	contentType, body, err = resolveContentType(contentType, body)
	if err != nil {
		return models.Attachment{}, err
	}

	url, err := s.attachments.Save(ctx, AttachmentKey(room.ID, name), contentType, body)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	s.logger.Info("attachment stored", "roomId", room.ID, "userId", actorID, "size", size)
	return models.Attachment{URL: url, Name: name, Size: size, ContentType: contentType}, nil
}

// AttachmentMessageType picks IMAGE for images and FILE otherwise.
func AttachmentMessageType(contentType string) models.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.MessageTypeImage
	case strings.HasPrefix(contentType, "video/"):
		return models.MessageTypeVideo
	case strings.HasPrefix(contentType, "audio/"):
		return models.MessageTypeAudio
	}
	return models.MessageTypeFile
}
