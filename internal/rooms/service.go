// Package rooms owns room creation, membership and administration. All
// authorization decisions go through CanAct or the creator/admin checks here.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/roomcast/backend/internal/logging"
	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/notify"
	"github.com/roomcast/backend/internal/repositories"
)

const (
	CodePrefixDirect = "DM_"
	CodePrefixGroup  = "RM_"

	MaxNameLength        = 200
	MaxDescriptionLength = 100

	codeAttempts = 3
)

// NewCode returns a short random room code with the given prefix.
func NewCode(prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// GroupSpec describes an explicitly created room.
type GroupSpec struct {
	Name        string
	Description string
	Private     bool
	MaxMembers  int
	IconURL     string
}

// Update carries optional room attribute changes.
type Update struct {
	Name        *string
	Description *string
	IconURL     *string
}

// Service implements the room operations on top of a repositories.Store.
type Service struct {
	store    repositories.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a room service. A nil notifier discards events.
func NewService(store repositories.Store, notifier notify.Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger.With(slog.String("module", "rooms")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateGroup creates an active PUBLIC or PRIVATE room with the creator as member and admin.
func (s *Service) CreateGroup(ctx context.Context, creatorID string, spec GroupSpec) (models.Room, error) {
	name := strings.TrimSpace(spec.Name)
	if creatorID == "" {
		return models.Room{}, fmt.Errorf("creator is required: %w", models.ErrInvalidInput)
	}
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return models.Room{}, fmt.Errorf("room name must be 1..%d characters: %w", MaxNameLength, models.ErrInvalidInput)
	}
	if utf8.RuneCountInString(spec.Description) > MaxDescriptionLength {
		return models.Room{}, fmt.Errorf("room description exceeds %d characters: %w", MaxDescriptionLength, models.ErrInvalidInput)
	}
	if spec.MaxMembers < 0 {
		return models.Room{}, fmt.Errorf("max members must not be negative: %w", models.ErrInvalidInput)
	}

	roomType := models.RoomTypePublic
	if spec.Private {
		roomType = models.RoomTypePrivate
	}

	now := s.now()
	room := models.Room{
		Name:           name,
		Description:    spec.Description,
		Type:           roomType,
		CreatedBy:      creatorID,
		Members:        models.NewUserSet(creatorID),
		Admins:         models.NewUserSet(creatorID),
		IsActive:       true,
		MaxMembers:     spec.MaxMembers,
		IconURL:        spec.IconURL,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}

	var err error
	for attempt := 0; attempt < codeAttempts; attempt++ {
		room.Code = NewCode(CodePrefixGroup)
		err = s.store.Rooms().Save(ctx, &room)
		if !errors.Is(err, repositories.ErrConflict) {
			break
		}
	}
	if err != nil {
		return models.Room{}, fmt.Errorf("create room: %w", err)
	}

	s.logger.Info("room created", "roomId", room.ID, "code", room.Code, "type", room.Type, "userId", creatorID)
	return room, nil
}

// EnsureDirectRoom returns the DIRECT room for the pair, creating an inactive
// placeholder with no members when none exists. It runs against the provided
// repository so callers can compose it into a larger atomic unit.
func EnsureDirectRoom(ctx context.Context, repo repositories.RoomRepository, inviterID, inviteeID, name string, now time.Time) (models.Room, error) {
	if inviterID == "" || inviteeID == "" {
		return models.Room{}, fmt.Errorf("direct room needs two users: %w", models.ErrInvalidInput)
	}
	if inviterID == inviteeID {
		return models.Room{}, fmt.Errorf("cannot open a direct room with yourself: %w", models.ErrInvalidInput)
	}

	room, err := repo.FindDirectRoomBetween(ctx, inviterID, inviteeID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return models.Room{}, fmt.Errorf("find direct room: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = inviteeID
	}
	room = models.Room{
		Code:           NewCode(CodePrefixDirect),
		Name:           name,
		Type:           models.RoomTypeDirect,
		CreatedBy:      inviterID,
		Members:        models.NewUserSet(),
		Admins:         models.NewUserSet(),
		IsActive:       false,
		MaxMembers:     models.DirectRoomCapacity,
		DirectKey:      models.DirectKey(inviterID, inviteeID),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := repo.Save(ctx, &room); err != nil {
		return models.Room{}, fmt.Errorf("create direct room: %w", err)
	}
	return room, nil
}

// CreateOrGetDirectPlaceholder resolves the direct room between two users.
func (s *Service) CreateOrGetDirectPlaceholder(ctx context.Context, inviterID, inviteeID, inviteeName string) (models.Room, error) {
	var room models.Room
	err := s.store.Atomic(ctx, "direct room", func(ctx context.Context, rooms repositories.RoomRepository, _ repositories.InviteRepository) error {
		var err error
		room, err = EnsureDirectRoom(ctx, rooms, inviterID, inviteeID, inviteeName, s.now())
		return err
	})
	if errors.Is(err, repositories.ErrConflict) {
		// A concurrent caller created it first.
		return s.store.Rooms().FindDirectRoomBetween(ctx, inviterID, inviteeID)
	}
	return room, err
}

// Find loads a room without any authorization check.
func (s *Service) Find(ctx context.Context, roomID string) (models.Room, error) {
	room, err := s.store.Rooms().FindByID(ctx, roomID)
	if err != nil {
		return models.Room{}, fmt.Errorf("room %s: %w", roomID, err)
	}
	return room, nil
}

// Get loads a room the user may act on.
func (s *Service) Get(ctx context.Context, roomID, userID string) (models.Room, error) {
	room, err := s.Find(ctx, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if !CanAct(room, userID) {
		return models.Room{}, fmt.Errorf("user %s cannot act on room %s: %w", userID, roomID, models.ErrForbidden)
	}
	return room, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rooms, err := s.store.Rooms().ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms for %s: %w", userID, err)
	}
	return rooms, nil
}

func (s *Service) ListPublic(ctx context.Context) ([]models.Room, error) {
	rooms, err := s.store.Rooms().ListPublic(ctx)
	if err != nil {
		return nil, fmt.Errorf("list public rooms: %w", err)
	}
	return rooms, nil
}

// mutate loads the room inside an atomic unit, applies fn and saves the result
// when fn reports a change.
func (s *Service) mutate(ctx context.Context, name, roomID string, fn func(room *models.Room, now time.Time) (bool, error)) (models.Room, bool, error) {
	ctx, span := logging.StartSpan(ctx, name, slog.String("roomId", roomID))
	var (
		room    models.Room
		changed bool
	)
	err := s.store.Atomic(ctx, name, func(ctx context.Context, rooms repositories.RoomRepository, _ repositories.InviteRepository) error {
		var err error
		room, err = rooms.FindByID(ctx, roomID)
		if err != nil {
			return fmt.Errorf("room %s: %w", roomID, err)
		}
		now := s.now()
		changed, err = fn(&room, now)
		if err != nil || !changed {
			return err
		}
		room.UpdatedAt = now
		return rooms.Save(ctx, &room)
	})
	span.End(err)
	if err != nil {
		return models.Room{}, false, err
	}
	return room, changed, nil
}

// JoinPublic adds the user to an active PUBLIC room. Joining twice is a no-op.
func (s *Service) JoinPublic(ctx context.Context, roomID, userID string) (models.Room, error) {
	room, joined, err := s.mutate(ctx, "join room", roomID, func(room *models.Room, now time.Time) (bool, error) {
		if !room.IsActive {
			return false, fmt.Errorf("room %s is closed: %w", room.ID, models.ErrInvalidState)
		}
		if room.Type != models.RoomTypePublic {
			return false, fmt.Errorf("room %s is not public: %w", room.ID, models.ErrForbidden)
		}
		if room.IsMember(userID) {
			return false, nil
		}
		return true, room.AddMember(userID, now)
	})
	if err != nil {
		return models.Room{}, err
	}
	if joined {
		s.logger.Info("user joined room", "roomId", room.ID, "userId", userID)
		s.emit(ctx, notify.EventUserJoined, room, userID)
	}
	return room, nil
}

// Leave removes the user from the room. The creator cannot leave.
func (s *Service) Leave(ctx context.Context, roomID, userID string) (models.Room, error) {
	room, left, err := s.mutate(ctx, "leave room", roomID, func(room *models.Room, now time.Time) (bool, error) {
		if !room.IsMember(userID) {
			return false, nil
		}
		return true, room.RemoveMember(userID, now)
	})
	if err != nil {
		return models.Room{}, err
	}
	if left {
		s.logger.Info("user left room", "roomId", room.ID, "userId", userID)
		s.emit(ctx, notify.EventUserLeft, room, userID)
	}
	return room, nil
}

// Close deactivates the room. Only the creator may close it.
func (s *Service) Close(ctx context.Context, roomID, actorID string) (models.Room, error) {
	room, _, err := s.mutate(ctx, "close room", roomID, func(room *models.Room, _ time.Time) (bool, error) {
		if room.CreatedBy != actorID {
			return false, fmt.Errorf("only the creator may close room %s: %w", room.ID, models.ErrForbidden)
		}
		if !room.IsActive {
			return false, nil
		}
		room.IsActive = false
		return true, nil
	})
	if err != nil {
		return models.Room{}, err
	}
	s.logger.Info("room closed", "roomId", room.ID, "userId", actorID)
	return room, nil
}

// PromoteAdmin grants admin rights to an existing member.
func (s *Service) PromoteAdmin(ctx context.Context, roomID, actorID, targetID string) (models.Room, error) {
	room, _, err := s.mutate(ctx, "promote admin", roomID, func(room *models.Room, now time.Time) (bool, error) {
		if !room.IsAdmin(actorID) {
			return false, fmt.Errorf("user %s is not an admin of room %s: %w", actorID, room.ID, models.ErrForbidden)
		}
		if !room.IsMember(targetID) {
			return false, fmt.Errorf("user %s is not a member of room %s: %w", targetID, room.ID, models.ErrInvalidState)
		}
		if room.IsAdmin(targetID) {
			return false, nil
		}
		return true, room.AddAdmin(targetID, now)
	})
	return room, err
}

// DemoteAdmin revokes admin rights. The creator always stays an admin.
func (s *Service) DemoteAdmin(ctx context.Context, roomID, actorID, targetID string) (models.Room, error) {
	room, _, err := s.mutate(ctx, "demote admin", roomID, func(room *models.Room, _ time.Time) (bool, error) {
		if !room.IsAdmin(actorID) {
			return false, fmt.Errorf("user %s is not an admin of room %s: %w", actorID, room.ID, models.ErrForbidden)
		}
		if targetID == room.CreatedBy {
			return false, fmt.Errorf("creator of room %s cannot be demoted: %w", room.ID, models.ErrForbidden)
		}
		if !room.IsAdmin(targetID) {
			return false, nil
		}
		room.RemoveAdmin(targetID)
		return true, nil
	})
	return room, err
}

// Update changes room attributes. Only admins may update, and name,
// description and type stay fixed on persisted PRIVATE and DIRECT rooms.
func (s *Service) Update(ctx context.Context, roomID, actorID string, update Update) (models.Room, error) {
	room, _, err := s.mutate(ctx, "update room", roomID, func(room *models.Room, _ time.Time) (bool, error) {
		if !room.IsAdmin(actorID) {
			return false, fmt.Errorf("user %s is not an admin of room %s: %w", actorID, room.ID, models.ErrForbidden)
		}
		before := *room
		if update.Name != nil {
			name := strings.TrimSpace(*update.Name)
			if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
				return false, fmt.Errorf("room name must be 1..%d characters: %w", MaxNameLength, models.ErrInvalidInput)
			}
			if err := room.SetName(name); err != nil {
				return false, err
			}
		}
		if update.Description != nil {
			if utf8.RuneCountInString(*update.Description) > MaxDescriptionLength {
				return false, fmt.Errorf("room description exceeds %d characters: %w", MaxDescriptionLength, models.ErrInvalidInput)
			}
			if err := room.SetDescription(*update.Description); err != nil {
				return false, err
			}
		}
		if update.IconURL != nil {
			room.IconURL = *update.IconURL
		}
		return room.Name != before.Name || room.Description != before.Description || room.IconURL != before.IconURL, nil
	})
	return room, err
}

// RecordActivity bumps lastActivityAt on the room.
func (s *Service) RecordActivity(ctx context.Context, roomID string) error {
	_, _, err := s.mutate(ctx, "room activity", roomID, func(room *models.Room, now time.Time) (bool, error) {
		room.Touch(now)
		return true, nil
	})
	return err
}

func (s *Service) emit(ctx context.Context, t notify.EventType, room models.Room, actorID string) {
	event := notify.NewEvent(t, room.ID, actorID, s.now())
	event.RoomName = room.Name
	event.RoomType = string(room.Type)
	s.notifier.Notify(ctx, event.WithRecipients(room.Members.Sorted()))
}
