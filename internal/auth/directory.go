package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roomcast/backend/internal/models"
	"github.com/roomcast/backend/internal/repositories"
)

type directoryEntry struct {
	user    models.User
	expires time.Time
}

// Directory keeps the users table in step with authenticated identities and
// answers display-name lookups from a TTL cache.
type Directory struct {
	users  repositories.UserRepository
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	items map[string]directoryEntry
}

// NewDirectory returns a Directory caching entries for the provided TTL.
func NewDirectory(users repositories.UserRepository, ttl time.Duration, logger *slog.Logger) *Directory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		users:  users,
		ttl:    ttl,
		logger: logger.With(slog.String("module", "directory")),
		now:    time.Now,
		items:  make(map[string]directoryEntry),
	}
}

// Ensure upserts the identity unless an identical entry is still cached.
func (d *Directory) Ensure(ctx context.Context, identity Identity) error {
	now := d.now()

	d.mu.RLock()
	entry, ok := d.items[identity.UserID]
	d.mu.RUnlock()
	if ok && now.Before(entry.expires) && entry.user.DisplayName == identity.DisplayName {
		return nil
	}

	user := models.User{
		ID:          identity.UserID,
		DisplayName: identity.DisplayName,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	if err := d.users.Upsert(ctx, user); err != nil {
		return err
	}

	d.store(user, now)
	return nil
}

// DisplayName returns the user's display name, or the id when unknown.
func (d *Directory) DisplayName(ctx context.Context, userID string) string {
	now := d.now()

	d.mu.RLock()
	entry, ok := d.items[userID]
	d.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.user.DisplayName
	}

	user, err := d.users.FindByID(ctx, userID)
	if err != nil {
		d.logger.Debug("display name lookup failed", "userId", userID, "error", err)
		return userID
	}

	d.store(user, now)
	return user.DisplayName
}

func (d *Directory) store(user models.User, now time.Time) {
	d.mu.Lock()
	d.items[user.ID] = directoryEntry{user: user, expires: now.Add(d.ttl)}
	d.mu.Unlock()
}
