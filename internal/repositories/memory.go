package repositories

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roomcast/backend/internal/models"
)

// MemoryStore keeps every repository in process memory. It enforces the same
// uniqueness rules as the PostgreSQL schema and is used for tests and the
// memory store mode.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	rooms    map[string]models.Room
	invites  map[string]models.Invite
	messages map[string]models.ChatMessage
	users    map[string]models.User
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{
		rooms:    make(map[string]models.Room),
		invites:  make(map[string]models.Invite),
		messages: make(map[string]models.ChatMessage),
		users:    make(map[string]models.User),
	}}
}

func (s *MemoryStore) Rooms() RoomRepository       { return memoryRooms{store: s} }
func (s *MemoryStore) Invites() InviteRepository   { return memoryInvites{store: s} }
func (s *MemoryStore) Messages() MessageRepository { return memoryMessages{store: s} }
func (s *MemoryStore) Users() UserRepository       { return memoryUsers{store: s} }

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Atomic runs fn against a private copy of rooms and invites and publishes the
// copy only when fn succeeds. The store lock is held for the whole unit, so fn
// must use the repositories it is given rather than the store's own.
func (s *MemoryStore) Atomic(ctx context.Context, _ string, fn TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := &memoryState{
		rooms:    make(map[string]models.Room, len(s.state.rooms)),
		invites:  make(map[string]models.Invite, len(s.state.invites)),
		messages: s.state.messages,
		users:    s.state.users,
	}
	for id, room := range s.state.rooms {
		staged.rooms[id] = room.Clone()
	}
	for id, invite := range s.state.invites {
		staged.invites[id] = invite
	}

	tx := &MemoryStore{state: staged}
	if err := fn(ctx, memoryRooms{store: tx, locked: true}, memoryInvites{store: tx, locked: true}); err != nil {
		return err
	}
	s.state.rooms = staged.rooms
	s.state.invites = staged.invites
	return nil
}

// with runs fn while holding the store lock unless the caller already holds it.
func (s *MemoryStore) with(locked bool, fn func(st *memoryState) error) error {
	if !locked {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.state)
}

type memoryRooms struct {
	store  *MemoryStore
	locked bool
}

func (r memoryRooms) FindByID(_ context.Context, id string) (models.Room, error) {
	var room models.Room
	err := r.store.with(r.locked, func(st *memoryState) error {
		found, ok := st.rooms[id]
		if !ok {
			return ErrNotFound
		}
		room = found.Clone()
		return nil
	})
	return room, err
}

func (r memoryRooms) FindDirectRoomBetween(_ context.Context, userA, userB string) (models.Room, error) {
	key := models.DirectKey(userA, userB)
	var room models.Room
	err := r.store.with(r.locked, func(st *memoryState) error {
		for _, candidate := range st.rooms {
			if candidate.Type == models.RoomTypeDirect && candidate.DirectKey == key {
				room = candidate.Clone()
				return nil
			}
		}
		return ErrNotFound
	})
	return room, err
}

func (r memoryRooms) Save(_ context.Context, room *models.Room) error {
	return r.store.with(r.locked, func(st *memoryState) error {
		for id, other := range st.rooms {
			if id == room.ID {
				continue
			}
			if other.Code == room.Code {
				return ErrConflict
			}
			if room.Type == models.RoomTypeDirect && other.Type == models.RoomTypeDirect &&
				room.DirectKey != "" && other.DirectKey == room.DirectKey {
				return ErrConflict
			}
		}
		if room.ID == "" {
			room.ID = uuid.NewString()
		}
		st.rooms[room.ID] = room.Clone()
		return nil
	})
}

func (r memoryRooms) ListForUser(_ context.Context, userID string) ([]models.Room, error) {
	return r.list(func(room models.Room) bool { return room.IsActive && room.IsMember(userID) })
}

func (r memoryRooms) ListPublic(_ context.Context) ([]models.Room, error) {
	return r.list(func(room models.Room) bool { return room.IsActive && room.Type == models.RoomTypePublic })
}

func (r memoryRooms) list(keep func(models.Room) bool) ([]models.Room, error) {
	var rooms []models.Room
	err := r.store.with(r.locked, func(st *memoryState) error {
		for _, room := range st.rooms {
			if keep(room) {
				rooms = append(rooms, room.Clone())
			}
		}
		return nil
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].LastActivityAt.After(rooms[j].LastActivityAt) })
	return rooms, err
}

type memoryInvites struct {
	store  *MemoryStore
	locked bool
}

func (r memoryInvites) FindByID(_ context.Context, id string) (models.Invite, error) {
	var invite models.Invite
	err := r.store.with(r.locked, func(st *memoryState) error {
		found, ok := st.invites[id]
		if !ok {
			return ErrNotFound
		}
		invite = found
		return nil
	})
	return invite, err
}

func (r memoryInvites) FindPendingFor(_ context.Context, roomID, invitedUserID string) (models.Invite, error) {
	var invite models.Invite
	err := r.store.with(r.locked, func(st *memoryState) error {
		for _, candidate := range st.invites {
			if candidate.RoomID == roomID && candidate.InvitedUserID == invitedUserID && candidate.IsPending() {
				invite = candidate
				return nil
			}
		}
		return ErrNotFound
	})
	return invite, err
}

func (r memoryInvites) Save(_ context.Context, invite *models.Invite) error {
	return r.store.with(r.locked, func(st *memoryState) error {
		if _, ok := st.rooms[invite.RoomID]; !ok {
			return ErrNotFound
		}
		if invite.IsPending() {
			for id, other := range st.invites {
				if id != invite.ID && other.IsPending() && other.RoomID == invite.RoomID && other.InvitedUserID == invite.InvitedUserID {
					return ErrConflict
				}
			}
		}
		if invite.ID == "" {
			invite.ID = uuid.NewString()
		}
		st.invites[invite.ID] = *invite
		return nil
	})
}

func (r memoryInvites) ListForUser(_ context.Context, invitedUserID string, pendingOnly bool) ([]models.Invite, error) {
	var invites []models.Invite
	err := r.store.with(r.locked, func(st *memoryState) error {
		for _, invite := range st.invites {
			if invite.InvitedUserID != invitedUserID {
				continue
			}
			if pendingOnly && !invite.IsPending() {
				continue
			}
			invites = append(invites, invite)
		}
		return nil
	})
	sort.Slice(invites, func(i, j int) bool { return invites[i].CreatedAt.After(invites[j].CreatedAt) })
	return invites, err
}

func (r memoryInvites) ExpireOverdue(_ context.Context, now time.Time) (int, error) {
	var n int
	err := r.store.with(r.locked, func(st *memoryState) error {
		for id, invite := range st.invites {
			if invite.IsPending() && invite.IsExpired(now) {
				invite.Status = models.InviteStatusExpired
				st.invites[id] = invite
				n++
			}
		}
		return nil
	})
	return n, err
}

type memoryMessages struct {
	store *MemoryStore
}

func cloneMessage(m models.ChatMessage) models.ChatMessage {
	m.ReadBy = m.ReadBy.Clone()
	if m.Attachment != nil {
		att := *m.Attachment
		m.Attachment = &att
	}
	return m
}

func (r memoryMessages) Create(_ context.Context, message models.ChatMessage) error {
	return r.store.with(false, func(st *memoryState) error {
		if _, ok := st.messages[message.ID]; ok {
			return ErrConflict
		}
		if _, ok := st.rooms[message.RoomID]; !ok {
			return ErrNotFound
		}
		st.messages[message.ID] = cloneMessage(message)
		return nil
	})
}

func (r memoryMessages) FindByID(_ context.Context, id string) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.store.with(false, func(st *memoryState) error {
		found, ok := st.messages[id]
		if !ok {
			return ErrNotFound
		}
		message = cloneMessage(found)
		return nil
	})
	return message, err
}

func (r memoryMessages) Update(_ context.Context, message models.ChatMessage) error {
	return r.store.with(false, func(st *memoryState) error {
		existing, ok := st.messages[message.ID]
		if !ok {
			return ErrNotFound
		}
		existing.Content = message.Content
		existing.Edited = message.Edited
		existing.EditedAt = message.EditedAt
		existing.Deleted = message.Deleted
		existing.DeletedAt = message.DeletedAt
		st.messages[message.ID] = existing
		return nil
	})
}

func (r memoryMessages) ListForRoom(_ context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var messages []models.ChatMessage
	err := r.store.with(false, func(st *memoryState) error {
		for _, message := range st.messages {
			if message.RoomID == roomID && !message.Deleted {
				messages = append(messages, cloneMessage(message))
			}
		}
		return nil
	})
	slices.SortFunc(messages, func(a, b models.ChatMessage) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, err
}

func (r memoryMessages) MarkRead(_ context.Context, messageID, userID string, _ time.Time) error {
	return r.store.with(false, func(st *memoryState) error {
		message, ok := st.messages[messageID]
		if !ok {
			return ErrNotFound
		}
		if message.ReadBy == nil {
			message.ReadBy = make(models.UserSet)
		}
		message.ReadBy[userID] = struct{}{}
		st.messages[messageID] = message
		return nil
	})
}

type memoryUsers struct {
	store *MemoryStore
}

func (r memoryUsers) Upsert(_ context.Context, user models.User) error {
	return r.store.with(false, func(st *memoryState) error {
		if existing, ok := st.users[user.ID]; ok {
			user.CreatedAt = existing.CreatedAt
		}
		st.users[user.ID] = user
		return nil
	})
}

func (r memoryUsers) FindByID(_ context.Context, id string) (models.User, error) {
	var user models.User
	err := r.store.with(false, func(st *memoryState) error {
		found, ok := st.users[id]
		if !ok {
			return ErrNotFound
		}
		user = found
		return nil
	})
	return user, err
}

var _ Store = (*MemoryStore)(nil)
