package rooms

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/notify"
	"github.com/roomcast/backend/internal/repositories"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *recordingNotifier, repositories.Store) {
	t.Helper()
	store := repositories.NewMemoryStore()
	notifier := &recordingNotifier{}
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, notifier, nil).WithClock(func() time.Time { return fixed })
	return svc, notifier, store
}

func TestCanAct(t *testing.T) {
	members := models.NewUserSet("alice")
	cases := []struct {
		name   string
		room   models.Room
		user   string
		expect bool
	}{
		{"public active non-member", models.Room{Type: models.RoomTypePublic, IsActive: true, Members: members}, "bob", true},
		{"public inactive", models.Room{Type: models.RoomTypePublic, IsActive: false, Members: members}, "alice", false},
		{"private member", models.Room{Type: models.RoomTypePrivate, IsActive: true, Members: members}, "alice", true},
		{"private non-member", models.Room{Type: models.RoomTypePrivate, IsActive: true, Members: members}, "bob", false},
		{"direct placeholder", models.Room{Type: models.RoomTypeDirect, IsActive: false}, "alice", false},
		{"group member", models.Room{Type: models.RoomTypeGroup, IsActive: true, Members: members}, "alice", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, CanAct(tc.room, tc.user))
		})
	}
}

func TestService_CreateGroup(t *testing.T) {
	req := require.New(t)
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// When
	room, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "  Design  ", Description: "weekly sync", Private: true})

	// Then
	req.NoError(err)
	req.NotEmpty(room.ID)
	req.True(strings.HasPrefix(room.Code, CodePrefixGroup))
	req.Len(room.Code, len(CodePrefixGroup)+8)
	req.Equal("Design", room.Name)
	req.Equal(models.RoomTypePrivate, room.Type)
	req.True(room.IsActive)
	req.True(room.IsMember("alice"))
	req.True(room.IsAdmin("alice"))
	req.Equal(1, room.MemberCount())
}

func TestService_CreateGroupValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := map[string]GroupSpec{
		"blank name":       {Name: "   "},
		"long name":        {Name: strings.Repeat("n", MaxNameLength+1)},
		"long description": {Name: "ok", Description: strings.Repeat("d", MaxDescriptionLength+1)},
		"negative size":    {Name: "ok", MaxMembers: -1},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateGroup(ctx, "alice", spec)
			require.ErrorIs(t, err, models.ErrInvalidInput)
		})
	}
}

func TestService_DirectPlaceholderIsReused(t *testing.T) {
	req := require.New(t)
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// Given
	first, err := svc.CreateOrGetDirectPlaceholder(ctx, "alice", "bob", "Bob")
	req.NoError(err)

	// When
	second, err := svc.CreateOrGetDirectPlaceholder(ctx, "bob", "alice", "Alice")

	// Then
	req.NoError(err)
	req.Equal(first.ID, second.ID)
	req.Equal("Bob", second.Name)
	req.Equal(models.RoomTypeDirect, first.Type)
	req.False(first.IsActive)
	req.Zero(first.MemberCount())
	req.Equal(models.DirectRoomCapacity, first.MaxMembers)
	req.True(strings.HasPrefix(first.Code, CodePrefixDirect))

	_, err = svc.CreateOrGetDirectPlaceholder(ctx, "alice", "alice", "")
	req.ErrorIs(err, models.ErrInvalidInput)
}

func TestService_JoinPublic(t *testing.T) {
	req := require.New(t)
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	public, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "Lobby"})
	req.NoError(err)
	private, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "Secret", Private: true})
	req.NoError(err)

	// When
	joined, err := svc.JoinPublic(ctx, public.ID, "bob")
	req.NoError(err)
	again, err := svc.JoinPublic(ctx, public.ID, "bob")
	req.NoError(err)

	// Then
	req.True(joined.IsMember("bob"))
	req.Equal(2, again.MemberCount())
	req.Equal([]notify.EventType{notify.EventUserJoined}, notifier.types())
	req.Equal([]string{"alice"}, notifier.events[0].Recipients)

	_, err = svc.JoinPublic(ctx, private.ID, "bob")
	req.ErrorIs(err, models.ErrForbidden)

	_, err = svc.Close(ctx, public.ID, "alice")
	req.NoError(err)
	_, err = svc.JoinPublic(ctx, public.ID, "carol")
	req.ErrorIs(err, models.ErrInvalidState)

	_, err = svc.JoinPublic(ctx, "missing", "carol")
	req.ErrorIs(err, models.ErrNotFound)
}

func TestService_JoinPublicRespectsCapacity(t *testing.T) {
	req := require.New(t)
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "Tiny", MaxMembers: 2})
	req.NoError(err)
	_, err = svc.JoinPublic(ctx, room.ID, "bob")
	req.NoError(err)

	_, err = svc.JoinPublic(ctx, room.ID, "carol")
	req.ErrorIs(err, models.ErrInvalidState)
}

func TestService_Leave(t *testing.T) {
	req := require.New(t)
	svc, notifier, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "Lobby"})
	req.NoError(err)
	_, err = svc.JoinPublic(ctx, room.ID, "bob")
	req.NoError(err)
	_, err = svc.PromoteAdmin(ctx, room.ID, "alice", "bob")
	req.NoError(err)

	// When
	left, err := svc.Leave(ctx, room.ID, "bob")

	// Then
	req.NoError(err)
	req.False(left.IsMember("bob"))
	req.False(left.IsAdmin("bob"))
	req.Contains(notifier.types(), notify.EventUserLeft)

	_, err = svc.Leave(ctx, room.ID, "alice")
	req.ErrorIs(err, models.ErrForbidden)

	_, err = svc.Leave(ctx, room.ID, "stranger")
	req.NoError(err)
}

func TestService_CloseRequiresCreator(t *testing.T) {
	req := require.New(t)
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "Lobby"})
	req.NoError(err)
	_, err = svc.JoinPublic(ctx, room.ID, "bob")
	req.NoError(err)
	_, err = svc.PromoteAdmin(ctx, room.ID, "alice", "bob")
	req.NoError(err)

	_, err = svc.Close(ctx, room.ID, "bob")
	req.ErrorIs(err, models.ErrForbidden)

	closed, err := svc.Close(ctx, room.ID, "alice")
	req.NoError(err)
	req.False(closed.IsActive)
	req.False(CanAct(closed, "alice"))

	_, err = svc.Get(ctx, room.ID, "alice")
	req.ErrorIs(err, models.ErrForbidden)
}

func TestService_AdminManagement(t *testing.T) {
	req := require.New(t)
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "Lobby"})
	req.NoError(err)
	_, err = svc.JoinPublic(ctx, room.ID, "bob")
	req.NoError(err)

	_, err = svc.PromoteAdmin(ctx, room.ID, "bob", "bob")
	req.ErrorIs(err, models.ErrForbidden)
	_, err = svc.PromoteAdmin(ctx, room.ID, "alice", "carol")
	req.ErrorIs(err, models.ErrInvalidState)

	promoted, err := svc.PromoteAdmin(ctx, room.ID, "alice", "bob")
	req.NoError(err)
	req.True(promoted.IsAdmin("bob"))

	_, err = svc.DemoteAdmin(ctx, room.ID, "bob", "alice")
	req.ErrorIs(err, models.ErrForbidden)

	demoted, err := svc.DemoteAdmin(ctx, room.ID, "alice", "bob")
	req.NoError(err)
	req.False(demoted.IsAdmin("bob"))
	req.True(demoted.IsMember("bob"))
}

func TestService_UpdateHonoursImmutability(t *testing.T) {
	req := require.New(t)
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	private, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "Secret", Description: "plans", Private: true})
	req.NoError(err)
	public, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "Lobby"})
	req.NoError(err)

	same := "plans"
	different := "other plans"
	icon := "https://cdn.example.com/icon.png"

	updated, err := svc.Update(ctx, private.ID, "alice", Update{Description: &same, IconURL: &icon})
	req.NoError(err)
	req.Equal(icon, updated.IconURL)

	_, err = svc.Update(ctx, private.ID, "alice", Update{Description: &different})
	req.ErrorIs(err, models.ErrInvalidState)

	renamed := "Town square"
	updated, err = svc.Update(ctx, public.ID, "alice", Update{Name: &renamed, Description: &different})
	req.NoError(err)
	req.Equal(renamed, updated.Name)
	req.Equal(different, updated.Description)

	_, err = svc.Update(ctx, public.ID, "bob", Update{Name: &renamed})
	req.ErrorIs(err, models.ErrForbidden)
}

func TestService_ListsAndActivity(t *testing.T) {
	req := require.New(t)
	store := repositories.NewMemoryStore()
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, nil, nil).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	lobby, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "Lobby"})
	req.NoError(err)
	clock = clock.Add(time.Minute)
	secret, err := svc.CreateGroup(ctx, "alice", GroupSpec{Name: "Secret", Private: true})
	req.NoError(err)

	public, err := svc.ListPublic(ctx)
	req.NoError(err)
	req.Len(public, 1)
	req.Equal(lobby.ID, public[0].ID)

	clock = clock.Add(time.Minute)
	req.NoError(svc.RecordActivity(ctx, lobby.ID))

	mine, err := svc.ListForUser(ctx, "alice")
	req.NoError(err)
	req.Len(mine, 2)
	req.Equal(lobby.ID, mine[0].ID)
	req.Equal(secret.ID, mine[1].ID)
}
