package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roomcast/backend/internal/models"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func TestPostgresUserRepository_UpsertAndFind(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	repo := NewPostgresUserRepository(testPool)
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := repo.Upsert(ctx, models.User{ID: "u-1", DisplayName: "alice", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := repo.Upsert(ctx, models.User{ID: "u-1", DisplayName: "alice b", CreatedAt: now, UpdatedAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("re-upsert user: %v", err)
	}

	fetched, err := repo.FindByID(ctx, "u-1")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if fetched.DisplayName != "alice b" {
		t.Fatalf("expected display name to be refreshed got %q", fetched.DisplayName)
	}

	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestPostgresRoomRepository_SaveAndReconcileMembers(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	users := NewPostgresUserRepository(testPool)
	alice := createTestUser(t, users, "alice")
	bob := createTestUser(t, users, "bob")
	carol := createTestUser(t, users, "carol")

	repo := NewPostgresRoomRepository(testPool)
	now := time.Now().UTC().Truncate(time.Millisecond)
	room := models.Room{
		Code:           "RM_" + uuid.NewString()[:8],
		Name:           "Planning",
		Type:           models.RoomTypePrivate,
		CreatedBy:      alice.ID,
		Members:        models.NewUserSet(alice.ID, bob.ID),
		Admins:         models.NewUserSet(alice.ID),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}

	if err := repo.Save(ctx, &room); err != nil {
		t.Fatalf("save room: %v", err)
	}
	if room.ID == "" {
		t.Fatalf("expected save to assign an id")
	}

	room.Members = models.NewUserSet(alice.ID, carol.ID)
	room.Admins = models.NewUserSet(alice.ID, carol.ID)
	if err := repo.Save(ctx, &room); err != nil {
		t.Fatalf("resave room: %v", err)
	}

	loaded, err := repo.FindByID(ctx, room.ID)
	if err != nil {
		t.Fatalf("find room: %v", err)
	}
	if loaded.MemberCount() != 2 || loaded.IsMember(bob.ID) || !loaded.IsAdmin(carol.ID) {
		t.Fatalf("unexpected membership after reconcile: members=%v admins=%v", loaded.Members.Sorted(), loaded.Admins.Sorted())
	}

	mine, err := repo.ListForUser(ctx, carol.ID)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != room.ID {
		t.Fatalf("expected carol to see the room got %+v", mine)
	}

	dup := room
	dup.ID = ""
	if err := repo.Save(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate code got %v", err)
	}
	if dup.ID != "" {
		t.Fatalf("expected failed insert to leave id unassigned")
	}
}

func TestPostgresRoomRepository_DirectPlaceholderLookup(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	users := NewPostgresUserRepository(testPool)
	alice := createTestUser(t, users, "alice")
	bob := createTestUser(t, users, "bob")

	repo := NewPostgresRoomRepository(testPool)
	now := time.Now().UTC()
	placeholder := models.Room{
		Code:           "DM_" + uuid.NewString()[:8],
		Name:           bob.DisplayName,
		Type:           models.RoomTypeDirect,
		CreatedBy:      alice.ID,
		MaxMembers:     models.DirectRoomCapacity,
		DirectKey:      models.DirectKey(alice.ID, bob.ID),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := repo.Save(ctx, &placeholder); err != nil {
		t.Fatalf("save placeholder: %v", err)
	}

	found, err := repo.FindDirectRoomBetween(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("find direct room: %v", err)
	}
	if found.ID != placeholder.ID || found.IsActive || found.MemberCount() != 0 {
		t.Fatalf("unexpected placeholder %+v", found)
	}

	second := placeholder
	second.ID = ""
	second.Code = "DM_" + uuid.NewString()[:8]
	if err := repo.Save(ctx, &second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second direct room got %v", err)
	}
}

func TestPostgresInviteRepository_PendingUniqueness(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	users := NewPostgresUserRepository(testPool)
	alice := createTestUser(t, users, "alice")
	bob := createTestUser(t, users, "bob")
	room := createTestRoom(t, alice.ID)

	repo := NewPostgresInviteRepository(testPool)
	now := time.Now().UTC().Truncate(time.Millisecond)
	invite := models.Invite{
		RoomID:        room.ID,
		InvitedUserID: bob.ID,
		InviterID:     alice.ID,
		Status:        models.InviteStatusPending,
		Message:       "join me",
		CreatedAt:     now,
		ExpiresAt:     now.Add(models.DefaultInviteTTL),
	}
	if err := repo.Save(ctx, &invite); err != nil {
		t.Fatalf("save invite: %v", err)
	}

	dup := invite
	dup.ID = ""
	if err := repo.Save(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second pending invite got %v", err)
	}

	pending, err := repo.FindPendingFor(ctx, room.ID, bob.ID)
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	if pending.ID != invite.ID {
		t.Fatalf("expected pending invite %s got %s", invite.ID, pending.ID)
	}

	if err := invite.Decline(now); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := repo.Save(ctx, &invite); err != nil {
		t.Fatalf("save declined invite: %v", err)
	}

	if err := repo.Save(ctx, &dup); err != nil {
		t.Fatalf("expected new pending invite after decline got %v", err)
	}

	all, err := repo.ListForUser(ctx, bob.ID, false)
	if err != nil {
		t.Fatalf("list invites: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 invites got %d", len(all))
	}
	pendingOnly, err := repo.ListForUser(ctx, bob.ID, true)
	if err != nil {
		t.Fatalf("list pending invites: %v", err)
	}
	if len(pendingOnly) != 1 || pendingOnly[0].ID != dup.ID {
		t.Fatalf("unexpected pending list %+v", pendingOnly)
	}

	declined, err := repo.FindByID(ctx, invite.ID)
	if err != nil {
		t.Fatalf("find declined: %v", err)
	}
	if declined.Status != models.InviteStatusDeclined || declined.RespondedAt == nil {
		t.Fatalf("expected declined invite with respondedAt got %+v", declined)
	}
}

func TestPostgresInviteRepository_ExpireOverdue(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	users := NewPostgresUserRepository(testPool)
	alice := createTestUser(t, users, "alice")
	bob := createTestUser(t, users, "bob")
	room := createTestRoom(t, alice.ID)

	repo := NewPostgresInviteRepository(testPool)
	now := time.Now().UTC()
	stale := models.Invite{
		RoomID:        room.ID,
		InvitedUserID: bob.ID,
		InviterID:     alice.ID,
		Status:        models.InviteStatusPending,
		CreatedAt:     now.Add(-8 * 24 * time.Hour),
		ExpiresAt:     now.Add(-24 * time.Hour),
	}
	if err := repo.Save(ctx, &stale); err != nil {
		t.Fatalf("save stale invite: %v", err)
	}

	n, err := repo.ExpireOverdue(ctx, now)
	if err != nil {
		t.Fatalf("expire overdue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired invite got %d", n)
	}

	if _, err := repo.FindPendingFor(ctx, room.ID, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no pending invite after sweep got %v", err)
	}
}

func TestPostgresStore_AtomicRollsBack(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	users := NewPostgresUserRepository(testPool)
	alice := createTestUser(t, users, "alice")
	bob := createTestUser(t, users, "bob")
	room := createTestRoom(t, alice.ID)

	store := NewPostgresStore(testPool)
	boom := errors.New("boom")

	err := store.Atomic(ctx, "test", func(ctx context.Context, rooms RoomRepository, _ InviteRepository) error {
		loaded, err := rooms.FindByID(ctx, room.ID)
		if err != nil {
			return err
		}
		if err := loaded.AddMember(bob.ID, time.Now().UTC()); err != nil {
			return err
		}
		if err := rooms.Save(ctx, &loaded); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom got %v", err)
	}

	loaded, err := store.Rooms().FindByID(ctx, room.ID)
	if err != nil {
		t.Fatalf("find room: %v", err)
	}
	if loaded.IsMember(bob.ID) {
		t.Fatalf("expected rolled back membership")
	}
}

func TestPostgresMessageRepository_HistoryAndReads(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	users := NewPostgresUserRepository(testPool)
	alice := createTestUser(t, users, "alice")
	bob := createTestUser(t, users, "bob")
	room := createTestRoom(t, alice.ID)

	repo := NewPostgresMessageRepository(testPool)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	var ids []string
	for i := 0; i < 3; i++ {
		msg := models.ChatMessage{
			ID:        uuid.NewString(),
			RoomID:    room.ID,
			SenderID:  alice.ID,
			Content:   fmt.Sprintf("message %d", i),
			Type:      models.MessageTypeText,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if i == 2 {
			msg.ReplyTo = ids[0]
			msg.Attachment = &models.Attachment{URL: "https://cdn.example.com/a.png", Name: "a.png", Size: 42, ContentType: "image/png"}
		}
		if err := repo.Create(ctx, msg); err != nil {
			t.Fatalf("create message: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	deleted, err := repo.FindByID(ctx, ids[1])
	if err != nil {
		t.Fatalf("find message: %v", err)
	}
	deletedAt := time.Now().UTC()
	deleted.Deleted = true
	deleted.DeletedAt = &deletedAt
	if err := repo.Update(ctx, deleted); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	if err := repo.MarkRead(ctx, ids[0], bob.ID, time.Now()); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := repo.MarkRead(ctx, ids[0], bob.ID, time.Now()); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if err := repo.MarkRead(ctx, uuid.NewString(), bob.ID, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown message got %v", err)
	}

	history, err := repo.ListForRoom(ctx, room.ID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 2 || history[0].ID != ids[0] || history[1].ID != ids[2] {
		t.Fatalf("unexpected history %+v", history)
	}
	if !history[0].ReadBy.Has(bob.ID) {
		t.Fatalf("expected read receipt for bob")
	}
	if history[1].ReplyTo != ids[0] || history[1].Attachment == nil || history[1].Attachment.Size != 42 {
		t.Fatalf("expected reply and attachment to round trip got %+v", history[1])
	}
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir := filepath.Join("..", "..", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func resetDatabase(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	conn, err := testPool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire connection: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "TRUNCATE TABLE message_reads, messages, invites, room_members, rooms, users CASCADE"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func createTestUser(t *testing.T, repo *PostgresUserRepository, name string) models.User {
	t.Helper()
	user := models.User{
		ID:          uuid.NewString(),
		DisplayName: name,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := repo.Upsert(context.Background(), user); err != nil {
		t.Fatalf("create test user: %v", err)
	}
	return user
}

func createTestRoom(t *testing.T, ownerID string) models.Room {
	t.Helper()
	now := time.Now().UTC()
	room := models.Room{
		Code:           "RM_" + uuid.NewString()[:8],
		Name:           "Room",
		Type:           models.RoomTypePrivate,
		CreatedBy:      ownerID,
		Members:        models.NewUserSet(ownerID),
		Admins:         models.NewUserSet(ownerID),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := NewPostgresRoomRepository(testPool).Save(context.Background(), &room); err != nil {
		t.Fatalf("create test room: %v", err)
	}
	return room
}
