package realtime

import (
	"encoding/json"
	"errors"

	"github.com/roomcast/backend/internal/chat"
	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/signaling"
)

// Inbound frame types.
const (
	FrameRegister    = "register"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameChatSend    = "chat.send"
	FrameChatAddUser = "chat.addUser"
)

// Outbound frame types specific to the transport.
const (
	FrameWelcome      = "welcome"
	FrameRegistered   = "registered"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameError        = "error"
)

// Error codes carried by error frames.
const (
	CodeBadRequest   = "bad_request"
	CodeRateLimited  = "rate_limited"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeInvalidState = "invalid_state"
	CodeExpired      = "expired"
	CodeInternal     = "internal"
)

type inboundFrame struct {
	Type   string          `json:"type" validate:"required,oneof=register subscribe unsubscribe chat.send chat.addUser screenshare.start screenshare.pause screenshare.resume screenshare.stop screenshare.data signal"`
	RoomID string          `json:"roomId" validate:"required_unless=Type register,max=64"`
	To     string          `json:"to" validate:"max=128"`
	Data   json.RawMessage `json:"data"`
}

type sendData struct {
	Content string `json:"content" validate:"max=5000"`
	Type    string `json:"type" validate:"omitempty,oneof=TEXT IMAGE FILE VIDEO AUDIO ANNOUNCEMENT CODE LINK"`
	ReplyTo string `json:"replyTo" validate:"max=64"`
}

type addUserData struct {
	Content string `json:"content" validate:"max=5000"`
}

type shareStartData struct {
	Title string `json:"title" validate:"max=200"`
}

type welcomeData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

func errorFrame(request, roomID, code, message string) models.Frame {
	return models.Frame{
		Type:   FrameError,
		RoomID: roomID,
		Data:   errorData{Code: code, Message: message, Request: request},
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return CodeBadRequest
	case errors.Is(err, models.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, models.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, models.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, models.ErrExpired):
		return CodeExpired
	default:
		return CodeInternal
	}
}

func isShareFrame(t string) bool {
	switch t {
	case chat.FrameShareStart, chat.FrameSharePause, chat.FrameShareResume, chat.FrameShareStop, chat.FrameShareData:
		return true
	}
	return false
}

func isSignalFrame(t string) bool {
	return t == signaling.FrameSignal
}
