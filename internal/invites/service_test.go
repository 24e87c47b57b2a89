package invites

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
	"github.com/roomcast/backend/internal/rooms"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) ofType(t notify.EventType) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingDelivery struct {
	mu     sync.Mutex
	frames map[string][]models.Frame
}

func (d *recordingDelivery) Unicast(userID string, frame models.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frames == nil {
		d.frames = make(map[string][]models.Frame)
	}
	d.frames[userID] = append(d.frames[userID], frame)
	return nil
}

type staticNames map[string]string

func (n staticNames) DisplayName(_ context.Context, userID string) string {
	if name, ok := n[userID]; ok {
		return name
	}
	return userID
}

type fixture struct {
	svc      *Service
	store    *repositories.MemoryStore
	clock    *testClock
	notifier *recordingNotifier
	delivery *recordingDelivery
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := repositories.NewMemoryStore()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	delivery := &recordingDelivery{}
	svc := NewService(Options{
		Store:    store,
		Notifier: notifier,
		Delivery: delivery,
		Names:    staticNames{"1": "Alice", "2": "Bob"},
		Now:      clock.Now,
	})
	return fixture{svc: svc, store: store, clock: clock, notifier: notifier, delivery: delivery}
}

func TestCreate_IsIdempotentWhilePending(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	// When
	first, created, err := f.svc.Create(ctx, "1", "2", "hi")
	req.NoError(err)
	req.True(created)
	second, created, err := f.svc.Create(ctx, "1", "2", "hi")
	req.NoError(err)

	// Then
	req.False(created)
	req.Equal(first.ID, second.ID)
	pending, err := f.svc.ListPending(ctx, "2")
	req.NoError(err)
	req.Len(pending, 1)
	req.Len(f.notifier.ofType(notify.EventInviteSent), 1)
	req.Len(f.delivery.frames["2"], 1)
	req.Equal(FrameInvite, f.delivery.frames["2"][0].Type)
	req.Equal(models.DefaultInviteTTL, first.ExpiresAt.Sub(first.CreatedAt))
}

func TestCreate_PlaceholderRoomIsInactive(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	invite, _, err := f.svc.Create(ctx, "1", "2", "join me")
	req.NoError(err)
	req.Equal(models.InviteStatusPending, invite.Status)

	room, err := f.store.Rooms().FindByID(ctx, invite.RoomID)
	req.NoError(err)
	req.Equal(models.RoomTypeDirect, room.Type)
	req.False(room.IsActive)
	req.Zero(room.MemberCount())
	req.Equal("Bob", room.Name)
	req.True(strings.HasPrefix(room.Code, rooms.CodePrefixDirect))
}

func TestCreate_ConcurrentCallsYieldOneInvite(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			invite, _, err := f.svc.Create(ctx, "1", "2", "hi")
			ids[i], errs[i] = invite.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		req.NoError(errs[i])
		req.Equal(ids[0], ids[i])
	}
	req.Len(f.notifier.ofType(notify.EventInviteSent), 1)
	req.Zero(f.svc.locks.size())
}

func TestCreate_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Create(ctx, "1", "1", "")
	require.ErrorIs(t, err, models.ErrInvalidInput)
	_, _, err = f.svc.Create(ctx, "1", "2", strings.Repeat("x", MaxMessageLength+1))
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestAccept_ActivatesRoom(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	// Given
	invite, _, err := f.svc.Create(ctx, "1", "2", "join me")
	req.NoError(err)

	// When
	accepted, room, err := f.svc.Accept(ctx, invite.ID, "2")

	// Then
	req.NoError(err)
	req.Equal(models.InviteStatusAccepted, accepted.Status)
	req.NotNil(accepted.RespondedAt)
	req.True(room.IsActive)
	req.ElementsMatch([]string{"1", "2"}, room.Members.Sorted())
	req.True(room.IsAdmin("1"))
	req.True(rooms.CanAct(room, "2"))

	stored, err := f.store.Rooms().FindByID(ctx, invite.RoomID)
	req.NoError(err)
	req.True(stored.IsActive)
	req.Equal(2, stored.MemberCount())

	events := f.notifier.ofType(notify.EventInviteAccepted)
	req.Len(events, 1)
	req.Equal([]string{"1"}, events[0].Recipients)
}

func TestRespond_Guards(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	invite, _, err := f.svc.Create(ctx, "1", "2", "")
	req.NoError(err)

	_, _, err = f.svc.Accept(ctx, invite.ID, "1")
	req.ErrorIs(err, models.ErrForbidden)
	_, err = f.svc.Decline(ctx, invite.ID, "3")
	req.ErrorIs(err, models.ErrForbidden)
	_, err = f.svc.Cancel(ctx, invite.ID, "2")
	req.ErrorIs(err, models.ErrForbidden)

	_, _, err = f.svc.Accept(ctx, "missing", "2")
	req.ErrorIs(err, models.ErrNotFound)

	_, _, err = f.svc.Accept(ctx, invite.ID, "2")
	req.NoError(err)
	_, _, err = f.svc.Accept(ctx, invite.ID, "2")
	req.ErrorIs(err, models.ErrInvalidState)
	_, err = f.svc.Cancel(ctx, invite.ID, "1")
	req.ErrorIs(err, models.ErrInvalidState)
}

func TestDecline_LeavesRoomUntouched(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	invite, _, err := f.svc.Create(ctx, "1", "2", "")
	req.NoError(err)

	declined, err := f.svc.Decline(ctx, invite.ID, "2")
	req.NoError(err)
	req.Equal(models.InviteStatusDeclined, declined.Status)

	room, err := f.store.Rooms().FindByID(ctx, invite.RoomID)
	req.NoError(err)
	req.False(room.IsActive)
	req.Zero(room.MemberCount())
	req.Len(f.delivery.frames["1"], 1)
	req.Equal(FrameInviteUpdated, f.delivery.frames["1"][0].Type)
}

func TestCancel_ByInviter(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	invite, _, err := f.svc.Create(ctx, "1", "2", "")
	req.NoError(err)

	cancelled, err := f.svc.Cancel(ctx, invite.ID, "1")
	req.NoError(err)
	req.Equal(models.InviteStatusCancelled, cancelled.Status)
	events := f.notifier.ofType(notify.EventInviteCancelled)
	req.Len(events, 1)
	req.Equal([]string{"2"}, events[0].Recipients)

	// A fresh invite may be created once the previous one is resolved.
	again, created, err := f.svc.Create(ctx, "1", "2", "")
	req.NoError(err)
	req.True(created)
	req.NotEqual(invite.ID, again.ID)
	req.Equal(invite.RoomID, again.RoomID)
}

func TestAccept_ExpiredInviteIsMarked(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	invite, _, err := f.svc.Create(ctx, "1", "2", "")
	req.NoError(err)

	// When
	f.clock.Advance(models.DefaultInviteTTL + time.Minute)
	_, _, err = f.svc.Accept(ctx, invite.ID, "2")

	// Then
	req.ErrorIs(err, models.ErrExpired)
	stored, err := f.store.Invites().FindByID(ctx, invite.ID)
	req.NoError(err)
	req.Equal(models.InviteStatusExpired, stored.Status)
	req.Nil(stored.RespondedAt)

	room, err := f.store.Rooms().FindByID(ctx, invite.RoomID)
	req.NoError(err)
	req.False(room.IsActive)

	_, _, err = f.svc.Accept(ctx, invite.ID, "2")
	req.ErrorIs(err, models.ErrInvalidState)
}

func TestCreate_ReplacesExpiredPendingInvite(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	stale, _, err := f.svc.Create(ctx, "1", "2", "")
	req.NoError(err)
	f.clock.Advance(models.DefaultInviteTTL + time.Hour)

	pending, err := f.svc.ListPending(ctx, "2")
	req.NoError(err)
	req.Empty(pending)

	fresh, created, err := f.svc.Create(ctx, "1", "2", "")
	req.NoError(err)
	req.True(created)
	req.NotEqual(stale.ID, fresh.ID)

	old, err := f.store.Invites().FindByID(ctx, stale.ID)
	req.NoError(err)
	req.Equal(models.InviteStatusExpired, old.Status)
}

func TestCreateForRoom(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	roomSvc := rooms.NewService(f.store, nil, nil)

	private, err := roomSvc.CreateGroup(ctx, "1", rooms.GroupSpec{Name: "Secret", Private: true})
	req.NoError(err)
	public, err := roomSvc.CreateGroup(ctx, "1", rooms.GroupSpec{Name: "Lobby"})
	req.NoError(err)

	_, _, err = f.svc.CreateForRoom(ctx, "1", public.ID, "2", "")
	req.ErrorIs(err, models.ErrForbidden)
	_, _, err = f.svc.CreateForRoom(ctx, "2", private.ID, "3", "")
	req.ErrorIs(err, models.ErrForbidden)
	_, _, err = f.svc.CreateForRoom(ctx, "1", private.ID, "1", "")
	req.ErrorIs(err, models.ErrInvalidState)
	_, _, err = f.svc.CreateForRoom(ctx, "1", "missing", "2", "")
	req.ErrorIs(err, models.ErrNotFound)

	invite, created, err := f.svc.CreateForRoom(ctx, "1", private.ID, "2", "welcome")
	req.NoError(err)
	req.True(created)

	_, room, err := f.svc.Accept(ctx, invite.ID, "2")
	req.NoError(err)
	req.True(room.IsMember("2"))
	req.False(room.IsAdmin("2"))
	req.Equal(models.RoomTypePrivate, room.Type)
}

func TestClosedRoomIsNotReopenedByInvites(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	roomSvc := rooms.NewService(f.store, nil, nil)

	room, err := roomSvc.CreateGroup(ctx, "1", rooms.GroupSpec{Name: "Secret", Private: true})
	req.NoError(err)
	pending, _, err := f.svc.CreateForRoom(ctx, "1", room.ID, "2", "")
	req.NoError(err)

	_, err = roomSvc.Close(ctx, room.ID, "1")
	req.NoError(err)

	// When
	_, _, err = f.svc.CreateForRoom(ctx, "1", room.ID, "3", "")
	req.ErrorIs(err, models.ErrInvalidState)
	_, _, err = f.svc.Accept(ctx, pending.ID, "2")

	// Then
	req.ErrorIs(err, models.ErrInvalidState)
	stored, err := f.store.Rooms().FindByID(ctx, room.ID)
	req.NoError(err)
	req.False(stored.IsActive)
	req.False(stored.IsMember("2"))
	invite, err := f.store.Invites().FindByID(ctx, pending.ID)
	req.NoError(err)
	req.Equal(models.InviteStatusPending, invite.Status)
}

func TestAccept_FullRoomRollsBack(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	roomSvc := rooms.NewService(f.store, nil, nil)

	room, err := roomSvc.CreateGroup(ctx, "1", rooms.GroupSpec{Name: "Pair", Private: true, MaxMembers: 2})
	req.NoError(err)
	first, _, err := f.svc.CreateForRoom(ctx, "1", room.ID, "2", "")
	req.NoError(err)
	second, _, err := f.svc.CreateForRoom(ctx, "1", room.ID, "3", "")
	req.NoError(err)
	_, _, err = f.svc.Accept(ctx, first.ID, "2")
	req.NoError(err)

	// When
	_, _, err = f.svc.Accept(ctx, second.ID, "3")

	// Then
	req.ErrorIs(err, models.ErrInvalidState)
	stored, err := f.store.Invites().FindByID(ctx, second.ID)
	req.NoError(err)
	req.Equal(models.InviteStatusPending, stored.Status)
}

func TestInviteMany_ReportsPerUser(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	roomSvc := rooms.NewService(f.store, nil, nil)

	room, err := roomSvc.CreateGroup(ctx, "1", rooms.GroupSpec{Name: "Secret", Private: true})
	req.NoError(err)

	results := f.svc.InviteMany(ctx, "1", room.ID, []string{"2", "3", "2", "", "1"}, "")

	req.Len(results, 3)
	req.Equal("2", results[0].UserID)
	req.True(results[0].Created)
	req.NotNil(results[0].Invite)
	req.Equal("3", results[1].UserID)
	req.True(results[1].Created)
	req.Equal("1", results[2].UserID)
	req.ErrorIs(results[2].Err, models.ErrInvalidState)
	req.NotEmpty(results[2].Error)
	req.Nil(results[2].Invite)
}

func TestSweepExpired(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Create(ctx, "1", "2", "")
	req.NoError(err)
	_, _, err = f.svc.Create(ctx, "1", "3", "")
	req.NoError(err)

	n, err := f.svc.SweepExpired(ctx)
	req.NoError(err)
	req.Zero(n)

	f.clock.Advance(models.DefaultInviteTTL + time.Second)
	n, err = f.svc.SweepExpired(ctx)
	req.NoError(err)
	req.Equal(2, n)

	all, err := f.svc.List(ctx, "2")
	req.NoError(err)
	req.Len(all, 1)
	req.Equal(models.InviteStatusExpired, all[0].Status)
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
