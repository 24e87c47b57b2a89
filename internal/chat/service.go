// Package chat implements the room-scoped verbs shared by the REST and
// realtime transports: messages, presence announcements, screen sharing and
// signaling relay. Every verb is gated by rooms.CanAct.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/notify"
	"github.com/roomcast/backend/internal/repositories"
	"github.com/roomcast/backend/internal/rooms"
	"github.com/roomcast/backend/internal/screenshare"
	"github.com/roomcast/backend/internal/signaling"
)

// Outbound frame types.
const (
	FrameMessage        = "chat.message"
	FrameMessageUpdated = "chat.message.updated"
	FrameMessageDeleted = "chat.message.deleted"
	FrameSystem         = "chat.system"
	FrameShareStart     = "screenshare.start"
	FrameSharePause     = "screenshare.pause"
	FrameShareResume    = "screenshare.resume"
	FrameShareStop      = "screenshare.stop"
	FrameShareData      = "screenshare.data"
)

// ErrAttachmentsDisabled is returned when no attachment store is configured.
var ErrAttachmentsDisabled = errors.New("attachments are not configured")

// RoomFinder loads rooms and records activity on them.
type RoomFinder interface {
	Find(ctx context.Context, roomID string) (models.Room, error)
	RecordActivity(ctx context.Context, roomID string) error
}

// NameResolver returns a display name for a user.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) string
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Rooms       RoomFinder
	Messages    repositories.MessageRepository
	Shares      *screenshare.Tracker
	Router      *signaling.Router
	Delivery    signaling.Delivery
	Notifier    notify.Notifier
	Names       NameResolver
	Attachments AttachmentStore
	Logger      *slog.Logger
	Now         func() time.Time
}

type Service struct {
	rooms       RoomFinder
	messages    repositories.MessageRepository
	shares      *screenshare.Tracker
	router      *signaling.Router
	delivery    signaling.Delivery
	notifier    notify.Notifier
	names       NameResolver
	attachments AttachmentStore
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(deps Deps) *Service {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Shares == nil {
		deps.Shares = screenshare.NewTracker()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := deps.Logger.With(slog.String("module", "chat"))
	if deps.Delivery == nil {
		deps.Delivery = nopDelivery{}
	}
	if deps.Router == nil {
		deps.Router = signaling.NewRouter(noSessions{}, deps.Delivery, logger)
	}
	return &Service{
		rooms:       deps.Rooms,
		messages:    deps.Messages,
		shares:      deps.Shares,
		router:      deps.Router,
		delivery:    deps.Delivery,
		notifier:    deps.Notifier,
		names:       deps.Names,
		attachments: deps.Attachments,
		logger:      logger,
		now:         deps.Now,
	}
}

type noSessions struct{}

func (noSessions) LookupConnection(string) (string, bool) { return "", false }

type nopDelivery struct{}

func (nopDelivery) Broadcast(string, models.Frame) error { return nil }
func (nopDelivery) Unicast(string, models.Frame) error   { return nil }

// authorize loads the room and applies CanAct.
func (s *Service) authorize(ctx context.Context, roomID, actorID string) (models.Room, error) {
	room, err := s.rooms.Find(ctx, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if !rooms.CanAct(room, actorID) {
		return models.Room{}, fmt.Errorf("user %s cannot act on room %s: %w", actorID, roomID, models.ErrForbidden)
	}
	return room, nil
}

func (s *Service) broadcast(roomID string, frame models.Frame) {
	frame.RoomID = roomID
	if err := s.delivery.Broadcast(roomID, frame); err != nil {
		s.logger.Warn("broadcast failed", "roomId", roomID, "type", frame.Type, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, t notify.EventType, room models.Room, actorID string, fill func(*notify.Event)) {
	event := notify.NewEvent(t, room.ID, actorID, s.now())
	event.RoomName = room.Name
	event.RoomType = string(room.Type)
	if fill != nil {
		fill(&event)
	}
	s.notifier.Notify(ctx, event.WithRecipients(room.Members.Sorted()))
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.names == nil {
		return userID
	}
	return s.names.DisplayName(ctx, userID)
}

// AddUser announces a user's arrival in the room. The announcement is not persisted.
func (s *Service) AddUser(ctx context.Context, roomID, actorID, content string) (models.ChatMessage, error) {
	room, err := s.authorize(ctx, roomID, actorID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if content == "" {
		content = s.displayName(ctx, actorID) + " joined!"
	}

	announcement := models.ChatMessage{
		RoomID:    room.ID,
		SenderID:  actorID,
		Content:   content,
		Type:      models.MessageTypeSystem,
		CreatedAt: s.now(),
	}
	s.broadcast(room.ID, models.Frame{Type: FrameSystem, From: actorID, Data: announcement})
	s.emit(ctx, notify.EventUserJoined, room, actorID, nil)
	return announcement, nil
}

// StartShare opens a screen-share session for the actor.
func (s *Service) StartShare(ctx context.Context, roomID, actorID, title string) (models.ScreenShareSession, error) {
	room, err := s.authorize(ctx, roomID, actorID)
	if err != nil {
		return models.ScreenShareSession{}, err
	}

	session, started, err := s.shares.Start(room.ID, actorID, title)
	if err != nil {
		return models.ScreenShareSession{}, err
	}
	if started {
		s.logger.Info("screen share started", "roomId", room.ID, "userId", actorID, "sessionId", session.ID)
		s.broadcast(room.ID, models.Frame{Type: FrameShareStart, From: actorID, Data: session})
		s.emit(ctx, notify.EventShareStarted, room, actorID, func(e *notify.Event) { e.SessionID = session.ID })
	}
	return session, nil
}

func (s *Service) PauseShare(ctx context.Context, roomID, actorID string) (models.ScreenShareSession, error) {
	if _, err := s.authorize(ctx, roomID, actorID); err != nil {
		return models.ScreenShareSession{}, err
	}
	session, err := s.shares.Pause(roomID, actorID)
	if err != nil {
		return models.ScreenShareSession{}, err
	}
	s.broadcast(roomID, models.Frame{Type: FrameSharePause, From: actorID, Data: session})
	return session, nil
}

func (s *Service) ResumeShare(ctx context.Context, roomID, actorID string) (models.ScreenShareSession, error) {
	if _, err := s.authorize(ctx, roomID, actorID); err != nil {
		return models.ScreenShareSession{}, err
	}
	session, err := s.shares.Resume(roomID, actorID)
	if err != nil {
		return models.ScreenShareSession{}, err
	}
	s.broadcast(roomID, models.Frame{Type: FrameShareResume, From: actorID, Data: session})
	return session, nil
}

// StopShare ends the room's session. The host or a room admin may stop it.
// Without a live session the stop frame is still broadcast.
func (s *Service) StopShare(ctx context.Context, roomID, actorID string) (models.ScreenShareSession, error) {
	room, err := s.authorize(ctx, roomID, actorID)
	if err != nil {
		return models.ScreenShareSession{}, err
	}

	session, stopped, err := s.shares.Stop(room.ID, actorID, room.IsAdmin(actorID))
	if err != nil {
		return models.ScreenShareSession{}, err
	}
	if !stopped {
		s.broadcast(room.ID, models.Frame{Type: FrameShareStop, From: actorID})
		return session, nil
	}

	s.logger.Info("screen share stopped", "roomId", room.ID, "userId", actorID, "sessionId", session.ID)
	s.broadcast(room.ID, models.Frame{Type: FrameShareStop, From: actorID, Data: session})
	s.emit(ctx, notify.EventShareEnded, room, actorID, func(e *notify.Event) { e.SessionID = session.ID })
	return session, nil
}

// ShareData relays screen-share control data and records the sender as a viewer.
func (s *Service) ShareData(ctx context.Context, env models.Envelope) (signaling.Outcome, error) {
	if _, err := s.authorize(ctx, env.RoomID, env.From); err != nil {
		return "", err
	}
	s.shares.Join(env.RoomID, env.From)
	env.Type = FrameShareData
	return s.router.Route(ctx, env), nil
}

// RelaySignal forwards a signaling envelope after the CanAct check.
func (s *Service) RelaySignal(ctx context.Context, env models.Envelope) (signaling.Outcome, error) {
	if _, err := s.authorize(ctx, env.RoomID, env.From); err != nil {
		return "", err
	}
	return s.router.Route(ctx, env), nil
}

// HostDisconnected cancels the shares hosted by userID.
func (s *Service) HostDisconnected(ctx context.Context, userID string) {
	for _, session := range s.shares.EndHostedBy(userID) {
		s.broadcast(session.RoomID, models.Frame{Type: FrameShareStop, From: userID, Data: session})
		room, err := s.rooms.Find(ctx, session.RoomID)
		if err != nil {
			s.logger.Warn("share room lookup failed", "roomId", session.RoomID, "error", err)
			continue
		}
		s.emit(ctx, notify.EventShareEnded, room, userID, func(e *notify.Event) { e.SessionID = session.ID })
	}
}

// ActiveShare returns the live session of a room the actor may view.
func (s *Service) ActiveShare(ctx context.Context, roomID, actorID string) (models.ScreenShareSession, bool, error) {
	if _, err := s.authorize(ctx, roomID, actorID); err != nil {
		return models.ScreenShareSession{}, false, err
	}
	session, ok := s.shares.Active(roomID)
	return session, ok, nil
}
