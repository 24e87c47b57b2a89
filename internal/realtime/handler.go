package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roomcast/backend/internal/auth"
	"github.com/roomcast/backend/internal/chat"
	"github.com/roomcast/backend/internal/logging"
	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/signaling"
)

// TokenVerifier resolves a bearer token to an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// IdentityRecorder keeps the local user projection current.
type IdentityRecorder interface {
	Ensure(ctx context.Context, identity auth.Identity) error
}

// RoomGate returns a room the user may act on.
type RoomGate interface {
	Get(ctx context.Context, roomID, userID string) (models.Room, error)
}

// ChatVerbs are the room verbs reachable over the socket.
type ChatVerbs interface {
	SendMessage(ctx context.Context, roomID, actorID string, in chat.MessageInput) (models.ChatMessage, error)
	AddUser(ctx context.Context, roomID, actorID, content string) (models.ChatMessage, error)
	StartShare(ctx context.Context, roomID, actorID, title string) (models.ScreenShareSession, error)
	PauseShare(ctx context.Context, roomID, actorID string) (models.ScreenShareSession, error)
	ResumeShare(ctx context.Context, roomID, actorID string) (models.ScreenShareSession, error)
	StopShare(ctx context.Context, roomID, actorID string) (models.ScreenShareSession, error)
	ShareData(ctx context.Context, env models.Envelope) (signaling.Outcome, error)
	RelaySignal(ctx context.Context, env models.Envelope) (signaling.Outcome, error)
	HostDisconnected(ctx context.Context, userID string)
}

// Limiter throttles inbound frames per user.
type Limiter interface {
	Allow(key string) bool
}

// Options configures a Handler.
type Options struct {
	Hub         *Hub
	Tokens      TokenVerifier
	Directory   IdentityRecorder
	Rooms       RoomGate
	Chat        ChatVerbs
	Limiter     Limiter
	Logger      *slog.Logger
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades authenticated requests and dispatches inbound frames.
type Handler struct {
	hub       *Hub
	tokens    TokenVerifier
	directory IdentityRecorder
	rooms     RoomGate
	chat      ChatVerbs
	limiter   Limiter
	logger    *slog.Logger
	validate  *validator.Validate
	upgrader  websocket.Upgrader
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(nil, opts.Logger)
		if finder, ok := opts.Rooms.(RoomFinder); ok {
			opts.Hub.WithRoomGate(finder)
		}
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:       opts.Hub,
		tokens:    opts.Tokens,
		directory: opts.Directory,
		rooms:     opts.Rooms,
		chat:      opts.Chat,
		limiter:   opts.Limiter,
		logger:    opts.Logger.With(slog.String("module", "realtime")),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP implements GET /ws. The connection lives until the peer closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	identity, err := h.tokens.Verify(auth.TokenFromRequest(r, true))
	if err != nil {
		logger.Warn("websocket authentication failed", "error", err)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if h.directory != nil {
		if err := h.directory.Ensure(ctx, identity); err != nil {
			logger.Error("record identity failed", "userId", identity.UserID, "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	connLogger := h.logger.With(slog.String("conn_id", connID), slog.String("user_id", identity.UserID))
	ctx = logging.WithConnectionID(auth.WithIdentity(ctx, identity), connID)
	ctx = logging.WithLogger(ctx, connLogger)

	client := newClient(connID, identity.UserID, conn, connLogger)
	h.hub.attach(client)
	connLogger.Info("websocket connected")

	go client.writePump()
	h.reply(client, models.Frame{Type: FrameWelcome, Data: welcomeData{ConnectionID: connID, UserID: identity.UserID}})

	client.readPump(ctx, h.dispatch)

	h.hub.detach(client)
	if _, still := h.hub.sessions.LookupConnection(identity.UserID); !still && h.chat != nil {
		h.chat.HostDisconnected(ctx, identity.UserID)
	}
	connLogger.Info("websocket disconnected")
}

func (h *Handler) reply(c *Client, frame models.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("encode reply failed", "type", frame.Type, "error", err)
		return
	}
	if err := c.trySend(data); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("reply dropped", "type", frame.Type, "error", err)
	}
}

func (h *Handler) fail(c *Client, in inboundFrame, err error) {
	code := errorCode(err)
	if code == CodeInternal {
		c.logger.Error("frame failed", "type", in.Type, "roomId", in.RoomID, "error", err)
		h.reply(c, errorFrame(in.Type, in.RoomID, code, "internal error"))
		return
	}
	c.logger.Debug("frame rejected", "type", in.Type, "roomId", in.RoomID, "error", err)
	h.reply(c, errorFrame(in.Type, in.RoomID, code, err.Error()))
}

// decode unmarshals optional frame data into dst and validates it.
func (h *Handler) decode(raw json.RawMessage, dst any) error {
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, dst); err != nil {
			return errors.Join(models.ErrInvalidInput, err)
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		return errors.Join(models.ErrInvalidInput, err)
	}
	return nil
}

func (h *Handler) dispatch(ctx context.Context, c *Client, raw []byte) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		h.reply(c, errorFrame("", "", CodeBadRequest, "malformed frame"))
		return
	}
	if err := h.validate.Struct(in); err != nil {
		h.fail(c, in, errors.Join(models.ErrInvalidInput, err))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(c.userID) {
		h.reply(c, errorFrame(in.Type, in.RoomID, CodeRateLimited, "too many frames"))
		return
	}

	ctx, span := logging.StartSpan(ctx, in.Type, slog.String("roomId", in.RoomID))
	var err error
	switch {
	case in.Type == FrameRegister:
		h.hub.register(c)
		h.reply(c, models.Frame{Type: FrameRegistered, Data: welcomeData{ConnectionID: c.id, UserID: c.userID}})
	case in.Type == FrameSubscribe:
		err = h.subscribe(ctx, c, in.RoomID)
	case in.Type == FrameUnsubscribe:
		h.hub.unsubscribe(c, in.RoomID)
		h.reply(c, models.Frame{Type: FrameUnsubscribed, RoomID: in.RoomID})
	case in.Type == FrameChatSend:
		err = h.send(ctx, c, in)
	case in.Type == FrameChatAddUser:
		var data addUserData
		if err = h.decode(in.Data, &data); err == nil {
			_, err = h.chat.AddUser(ctx, in.RoomID, c.userID, data.Content)
		}
	case isShareFrame(in.Type):
		err = h.share(ctx, c, in)
	case isSignalFrame(in.Type):
		_, err = h.chat.RelaySignal(ctx, h.envelope(c, in))
	}
	span.End(err)
	if err != nil {
		h.fail(c, in, err)
	}
}

func (h *Handler) subscribe(ctx context.Context, c *Client, roomID string) error {
	room, err := h.rooms.Get(ctx, roomID, c.userID)
	if err != nil {
		return err
	}
	h.hub.subscribe(c, room.ID)
	h.reply(c, models.Frame{Type: FrameSubscribed, RoomID: room.ID, Data: room})
	return nil
}

func (h *Handler) send(ctx context.Context, c *Client, in inboundFrame) error {
	var data sendData
	if err := h.decode(in.Data, &data); err != nil {
		return err
	}
	_, err := h.chat.SendMessage(ctx, in.RoomID, c.userID, chat.MessageInput{
		Content: data.Content,
		Type:    models.ParseMessageType(data.Type),
		ReplyTo: data.ReplyTo,
	})
	return err
}

func (h *Handler) share(ctx context.Context, c *Client, in inboundFrame) error {
	var err error
	switch in.Type {
	case chat.FrameShareStart:
		var data shareStartData
		if err = h.decode(in.Data, &data); err == nil {
			_, err = h.chat.StartShare(ctx, in.RoomID, c.userID, data.Title)
		}
	case chat.FrameSharePause:
		_, err = h.chat.PauseShare(ctx, in.RoomID, c.userID)
	case chat.FrameShareResume:
		_, err = h.chat.ResumeShare(ctx, in.RoomID, c.userID)
	case chat.FrameShareStop:
		_, err = h.chat.StopShare(ctx, in.RoomID, c.userID)
	case chat.FrameShareData:
		_, err = h.chat.ShareData(ctx, h.envelope(c, in))
	}
	return err
}

func (h *Handler) envelope(c *Client, in inboundFrame) models.Envelope {
	return models.Envelope{
		Type:    in.Type,
		RoomID:  in.RoomID,
		From:    c.userID,
		To:      in.To,
		Payload: in.Data,
	}
}
