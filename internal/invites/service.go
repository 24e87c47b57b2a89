// Package invites implements the invitation state machine. Creation is
// idempotent per (room, invited user); accepting an invite activates and
// populates the bound room in the same atomic unit.
package invites

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/roomcast/backend/internal/logging"
	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/notify"
	"github.com/roomcast/backend/internal/repositories"
	"github.com/roomcast/backend/internal/rooms"
)

// MaxMessageLength bounds the optional note attached to an invite.
const MaxMessageLength = 500

// FrameInvite is pushed to the invited user when a new invite is created.
const (
	FrameInvite        = "invite"
	FrameInviteUpdated = "invite.updated"
)

// NameResolver returns a display name for a user, falling back to the id.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) string
}

// Unicaster pushes a realtime frame to a single user.
type Unicaster interface {
	Unicast(userID string, frame models.Frame) error
}

// Options configures a Service.
type Options struct {
	Store    repositories.Store
	Notifier notify.Notifier
	Delivery Unicaster
	Names    NameResolver
	Logger   *slog.Logger
	TTL      time.Duration
	Now      func() time.Time
}

// Service runs invite operations.
type Service struct {
	store    repositories.Store
	notifier notify.Notifier
	delivery Unicaster
	names    NameResolver
	logger   *slog.Logger
	ttl      time.Duration
	now      func() time.Time
	locks    *pairLocks
}

func NewService(opts Options) *Service {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = models.DefaultInviteTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:    opts.Store,
		notifier: opts.Notifier,
		delivery: opts.Delivery,
		names:    opts.Names,
		logger:   opts.Logger.With(slog.String("module", "invites")),
		ttl:      opts.TTL,
		now:      opts.Now,
		locks:    newPairLocks(),
	}
}

// Result is the per-user outcome of InviteMany.
type Result struct {
	UserID  string         `json:"userId"`
	Invite  *models.Invite `json:"invite,omitempty"`
	Created bool           `json:"created"`
	Error   string         `json:"error,omitempty"`
	Err     error          `json:"-"`
}

func validateMessage(message string) error {
	if utf8.RuneCountInString(message) > MaxMessageLength {
		return fmt.Errorf("invite message exceeds %d characters: %w", MaxMessageLength, models.ErrInvalidInput)
	}
	return nil
}

// Create invites inviteeID to a direct conversation with inviterID. The direct
// room is created as an inactive placeholder when the pair has none. A second
// call while an invite is pending returns that invite and created=false.
func (s *Service) Create(ctx context.Context, inviterID, inviteeID, message string) (models.Invite, bool, error) {
	if err := validateMessage(message); err != nil {
		return models.Invite{}, false, err
	}
	if inviterID == "" || inviteeID == "" || inviterID == inviteeID {
		return models.Invite{}, false, fmt.Errorf("invite needs two distinct users: %w", models.ErrInvalidInput)
	}

	unlock := s.locks.Lock(pairKey("dm:"+models.DirectKey(inviterID, inviteeID), inviteeID))
	defer unlock()

	name := s.displayName(ctx, inviteeID)

	var (
		room    models.Room
		invite  models.Invite
		created bool
	)
	err := s.atomic(ctx, "create invite", func(ctx context.Context, roomRepo repositories.RoomRepository, inviteRepo repositories.InviteRepository) error {
		now := s.now()
		var err error
		room, err = rooms.EnsureDirectRoom(ctx, roomRepo, inviterID, inviteeID, name, now)
		if err != nil {
			return err
		}
		invite, created, err = s.pendingOrNew(ctx, inviteRepo, room.ID, inviterID, inviteeID, message, now)
		return err
	})
	if err != nil {
		return models.Invite{}, false, err
	}

	if created {
		s.announce(ctx, invite, room)
	}
	return invite, created, nil
}

// CreateForRoom invites a user into a PRIVATE room. Only the creator may invite.
func (s *Service) CreateForRoom(ctx context.Context, inviterID, roomID, inviteeID, message string) (models.Invite, bool, error) {
	if err := validateMessage(message); err != nil {
		return models.Invite{}, false, err
	}
	if inviteeID == "" {
		return models.Invite{}, false, fmt.Errorf("invited user is required: %w", models.ErrInvalidInput)
	}

	unlock := s.locks.Lock(pairKey(roomID, inviteeID))
	defer unlock()

	var (
		room    models.Room
		invite  models.Invite
		created bool
	)
	err := s.atomic(ctx, "create room invite", func(ctx context.Context, roomRepo repositories.RoomRepository, inviteRepo repositories.InviteRepository) error {
		var err error
		room, err = roomRepo.FindByID(ctx, roomID)
		if err != nil {
			return fmt.Errorf("room %s: %w", roomID, err)
		}
		if room.Type != models.RoomTypePrivate || room.CreatedBy != inviterID {
			return fmt.Errorf("user %s cannot invite to room %s: %w", inviterID, roomID, models.ErrForbidden)
		}
		if !room.IsActive {
			return fmt.Errorf("room %s is closed: %w", roomID, models.ErrInvalidState)
		}
		if room.IsMember(inviteeID) {
			return fmt.Errorf("user %s already belongs to room %s: %w", inviteeID, roomID, models.ErrInvalidState)
		}
		invite, created, err = s.pendingOrNew(ctx, inviteRepo, room.ID, inviterID, inviteeID, message, s.now())
		return err
	})
	if err != nil {
		return models.Invite{}, false, err
	}

	if created {
		s.announce(ctx, invite, room)
	}
	return invite, created, nil
}

// InviteMany invites each distinct user into the room and reports per-user outcomes.
func (s *Service) InviteMany(ctx context.Context, inviterID, roomID string, userIDs []string, message string) []Result {
	ids := lo.Uniq(lo.Compact(userIDs))
	results := make([]Result, 0, len(ids))
	for _, userID := range ids {
		invite, created, err := s.CreateForRoom(ctx, inviterID, roomID, userID, message)
		result := Result{UserID: userID, Created: created, Err: err}
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Invite = &invite
		}
		results = append(results, result)
	}
	return results
}

// atomic retries a unit once after a uniqueness conflict so a racing writer's
// committed row is observed instead of reported.
func (s *Service) atomic(ctx context.Context, name string, fn repositories.TxFunc) error {
	ctx, span := logging.StartSpan(ctx, name)
	err := s.store.Atomic(ctx, name, fn)
	if errors.Is(err, repositories.ErrConflict) {
		s.logger.Debug("invite write conflicted, retrying", "operation", name)
		err = s.store.Atomic(ctx, name, fn)
	}
	span.End(err)
	return err
}

func (s *Service) pendingOrNew(ctx context.Context, repo repositories.InviteRepository, roomID, inviterID, inviteeID, message string, now time.Time) (models.Invite, bool, error) {
	existing, err := repo.FindPendingFor(ctx, roomID, inviteeID)
	switch {
	case err == nil:
		if !existing.IsExpired(now) {
			return existing, false, nil
		}
		if err := existing.Expire(); err != nil {
			return models.Invite{}, false, err
		}
		if err := repo.Save(ctx, &existing); err != nil {
			return models.Invite{}, false, fmt.Errorf("expire invite %s: %w", existing.ID, err)
		}
	case !errors.Is(err, repositories.ErrNotFound):
		return models.Invite{}, false, fmt.Errorf("find pending invite: %w", err)
	}

	invite := models.Invite{
		RoomID:        roomID,
		InvitedUserID: inviteeID,
		InviterID:     inviterID,
		Status:        models.InviteStatusPending,
		Message:       message,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := repo.Save(ctx, &invite); err != nil {
		return models.Invite{}, false, fmt.Errorf("save invite: %w", err)
	}
	return invite, true, nil
}

type response string

const (
	responseAccept  response = "accept"
	responseDecline response = "decline"
	responseCancel  response = "cancel"
)

// Accept marks the invite ACCEPTED and activates its room with both parties as members.
func (s *Service) Accept(ctx context.Context, inviteID, actorID string) (models.Invite, models.Room, error) {
	return s.respond(ctx, responseAccept, inviteID, actorID)
}

// Decline marks the invite DECLINED. The room is untouched.
func (s *Service) Decline(ctx context.Context, inviteID, actorID string) (models.Invite, error) {
	invite, _, err := s.respond(ctx, responseDecline, inviteID, actorID)
	return invite, err
}

// Cancel lets the inviter withdraw a pending invite.
func (s *Service) Cancel(ctx context.Context, inviteID, actorID string) (models.Invite, error) {
	invite, _, err := s.respond(ctx, responseCancel, inviteID, actorID)
	return invite, err
}

func (s *Service) respond(ctx context.Context, kind response, inviteID, actorID string) (models.Invite, models.Room, error) {
	var (
		invite  models.Invite
		room    models.Room
		expired bool
	)
	err := s.store.Atomic(ctx, string(kind)+" invite", func(ctx context.Context, roomRepo repositories.RoomRepository, inviteRepo repositories.InviteRepository) error {
		expired = false
		var err error
		invite, err = inviteRepo.FindByID(ctx, inviteID)
		if err != nil {
			return fmt.Errorf("invite %s: %w", inviteID, err)
		}

		allowed := actorID == invite.InvitedUserID
		if kind == responseCancel {
			allowed = actorID == invite.InviterID
		}
		if !allowed {
			return fmt.Errorf("user %s cannot %s invite %s: %w", actorID, kind, inviteID, models.ErrForbidden)
		}
		if !invite.IsPending() {
			return fmt.Errorf("invite %s is %s: %w", inviteID, invite.Status, models.ErrInvalidState)
		}

		now := s.now()
		if invite.IsExpired(now) {
			// Commit the EXPIRED transition; the caller still sees an error.
			if err := invite.Expire(); err != nil {
				return err
			}
			expired = true
			return inviteRepo.Save(ctx, &invite)
		}

		switch kind {
		case responseAccept:
			err = invite.Accept(now)
		case responseDecline:
			err = invite.Decline(now)
		case responseCancel:
			err = invite.Cancel(now)
		}
		if err != nil {
			return err
		}
		if err := inviteRepo.Save(ctx, &invite); err != nil {
			return fmt.Errorf("save invite %s: %w", inviteID, err)
		}
		if kind != responseAccept {
			return nil
		}

		room, err = roomRepo.FindByID(ctx, invite.RoomID)
		if err != nil {
			return fmt.Errorf("room %s: %w", invite.RoomID, err)
		}
		// Only a DM placeholder is activated by its first accept; a closed room stays closed.
		if !room.IsActive {
			if room.Type != models.RoomTypeDirect {
				return fmt.Errorf("room %s is closed: %w", room.ID, models.ErrInvalidState)
			}
			room.IsActive = true
		}
		if err := room.AddAdmin(invite.InviterID, now); err != nil {
			return err
		}
		if err := room.AddMember(invite.InvitedUserID, now); err != nil {
			return err
		}
		room.UpdatedAt = now
		return roomRepo.Save(ctx, &room)
	})
	if err != nil {
		return models.Invite{}, models.Room{}, err
	}
	if expired {
		s.logger.Info("invite expired on use", "inviteId", invite.ID, "userId", actorID)
		return invite, models.Room{}, fmt.Errorf("invite %s expired at %s: %w", invite.ID, invite.ExpiresAt.Format(time.RFC3339), models.ErrExpired)
	}

	s.logger.Info("invite responded", "inviteId", invite.ID, "status", invite.Status, "userId", actorID)
	s.settle(ctx, kind, invite, room)
	return invite, room, nil
}

// ListPending returns the user's pending invites, newest first.
func (s *Service) ListPending(ctx context.Context, userID string) ([]models.Invite, error) {
	invites, err := s.store.Invites().ListForUser(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("list pending invites: %w", err)
	}
	now := s.now()
	return lo.Filter(invites, func(invite models.Invite, _ int) bool { return !invite.IsExpired(now) }), nil
}

// List returns every invite addressed to the user, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]models.Invite, error) {
	invites, err := s.store.Invites().ListForUser(ctx, userID, false)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	return invites, nil
}

// SweepExpired marks every overdue pending invite EXPIRED.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.Invites().ExpireOverdue(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired invites: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired stale invites", "count", n)
	}
	return n, nil
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.names == nil {
		return userID
	}
	return s.names.DisplayName(ctx, userID)
}

func (s *Service) announce(ctx context.Context, invite models.Invite, room models.Room) {
	s.logger.Info("invite created", "inviteId", invite.ID, "roomId", room.ID, "userId", invite.InviterID, "invitedUserId", invite.InvitedUserID)

	event := notify.NewEvent(notify.EventInviteSent, room.ID, invite.InviterID, invite.CreatedAt)
	event.RoomName = room.Name
	event.RoomType = string(room.Type)
	event.InviteID = invite.ID
	event.Preview = notify.Preview(invite.Message, notify.PreviewLength)
	event.Recipients = []string{invite.InvitedUserID}
	s.notifier.Notify(ctx, event)

	s.push(ctx, invite.InvitedUserID, models.Frame{Type: FrameInvite, RoomID: room.ID, From: invite.InviterID, Data: invite})
}

func (s *Service) settle(ctx context.Context, kind response, invite models.Invite, room models.Room) {
	eventType := notify.EventInviteAccepted
	counterpart := invite.InviterID
	switch kind {
	case responseDecline:
		eventType = notify.EventInviteDeclined
	case responseCancel:
		eventType = notify.EventInviteCancelled
		counterpart = invite.InvitedUserID
	}

	at := s.now()
	if invite.RespondedAt != nil {
		at = *invite.RespondedAt
	}
	event := notify.NewEvent(eventType, invite.RoomID, lo.Ternary(kind == responseCancel, invite.InviterID, invite.InvitedUserID), at)
	event.InviteID = invite.ID
	event.RoomName = room.Name
	event.Recipients = []string{counterpart}
	s.notifier.Notify(ctx, event)

	s.push(ctx, counterpart, models.Frame{Type: FrameInviteUpdated, RoomID: invite.RoomID, Data: invite})
}

func (s *Service) push(ctx context.Context, userID string, frame models.Frame) {
	if s.delivery == nil {
		return
	}
	if err := s.delivery.Unicast(userID, frame); err != nil {
		s.logger.Debug("invite frame not delivered", "userId", userID, "type", frame.Type, "error", err)
	}
}
