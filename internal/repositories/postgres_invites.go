package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roomcast/backend/internal/db"
	"github.com/roomcast/backend/internal/models"
)

const inviteColumns = `id, room_id, invited_user_id, inviter_id, status, message, created_at, expires_at, responded_at`

// PostgresInviteRepository provides PostgreSQL-backed persistence for invites.
// Pending uniqueness per (room, invited user) is enforced by a partial unique index.
type PostgresInviteRepository struct {
	scope pgScope
}

// NewPostgresInviteRepository constructs an invite repository backed by PostgreSQL.
func NewPostgresInviteRepository(pool db.Pool) *PostgresInviteRepository {
	return &PostgresInviteRepository{scope: pgScope{pool: pool}}
}

// FindByID fetches an invite by identifier.
func (r *PostgresInviteRepository) FindByID(ctx context.Context, id string) (models.Invite, error) {
	var invite models.Invite
	err := r.scope.run(ctx, func(q querier) error {
		var err error
		invite, err = scanInvite(q.QueryRow(ctx, `SELECT `+inviteColumns+` FROM invites WHERE id = $1`, id))
		return err
	})
	return invite, err
}

// FindPendingFor fetches the pending invite for the room and invited user, if any.
func (r *PostgresInviteRepository) FindPendingFor(ctx context.Context, roomID, invitedUserID string) (models.Invite, error) {
	var invite models.Invite
	err := r.scope.run(ctx, func(q querier) error {
		var err error
		invite, err = scanInvite(q.QueryRow(ctx, `
        SELECT `+inviteColumns+`
        FROM invites
        WHERE room_id = $1 AND invited_user_id = $2 AND status = 'PENDING'
    `, roomID, invitedUserID))
		return err
	})
	return invite, err
}

// Save inserts a new invite or persists a status transition on an existing one.
func (r *PostgresInviteRepository) Save(ctx context.Context, invite *models.Invite) error {
	assigned := false
	if invite.ID == "" {
		invite.ID = uuid.NewString()
		assigned = true
	}

	err := r.scope.run(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
        INSERT INTO invites (`+inviteColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id)
        DO UPDATE SET status = EXCLUDED.status, responded_at = EXCLUDED.responded_at
    `, invite.ID, invite.RoomID, invite.InvitedUserID, invite.InviterID, string(invite.Status), invite.Message,
			invite.CreatedAt.UTC(), invite.ExpiresAt.UTC(), nullTime(invite.RespondedAt))
		if err != nil {
			return mapWriteError(err, "upsert invite")
		}
		return nil
	})
	if err != nil && assigned {
		invite.ID = ""
	}
	return err
}

// ListForUser returns invites addressed to the user, newest first.
func (r *PostgresInviteRepository) ListForUser(ctx context.Context, invitedUserID string, pendingOnly bool) ([]models.Invite, error) {
	var invites []models.Invite
	err := r.scope.run(ctx, func(q querier) error {
		rows, err := q.Query(ctx, `
        SELECT `+inviteColumns+`
        FROM invites
        WHERE invited_user_id = $1 AND (NOT $2 OR status = 'PENDING')
        ORDER BY created_at DESC
    `, invitedUserID, pendingOnly)
		if err != nil {
			return fmt.Errorf("query invites: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			invite, err := scanInvite(rows)
			if err != nil {
				return err
			}
			invites = append(invites, invite)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate invites: %w", err)
		}
		return nil
	})
	return invites, err
}

// ExpireOverdue marks every pending invite past its deadline as expired.
func (r *PostgresInviteRepository) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.scope.run(ctx, func(q querier) error {
		tag, err := q.Exec(ctx, `
        UPDATE invites
        SET status = 'EXPIRED'
        WHERE status = 'PENDING' AND expires_at < $1
    `, now.UTC())
		if err != nil {
			return fmt.Errorf("expire invites: %w", err)
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvite(row rowScanner) (models.Invite, error) {
	var (
		invite      models.Invite
		status      string
		respondedAt sql.NullTime
	)
	if err := row.Scan(&invite.ID, &invite.RoomID, &invite.InvitedUserID, &invite.InviterID, &status, &invite.Message,
		&invite.CreatedAt, &invite.ExpiresAt, &respondedAt); err != nil {
		if errNoRows(err) {
			return models.Invite{}, ErrNotFound
		}
		return models.Invite{}, fmt.Errorf("scan invite: %w", err)
	}
	invite.Status = models.InviteStatus(status)
	invite.CreatedAt = invite.CreatedAt.UTC()
	invite.ExpiresAt = invite.ExpiresAt.UTC()
	invite.RespondedAt = timePtr(respondedAt)
	return invite, nil
}

var _ InviteRepository = (*PostgresInviteRepository)(nil)
