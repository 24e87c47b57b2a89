package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/roomcast/backend/internal/db"
	"github.com/roomcast/backend/internal/models"
)

const roomColumns = `r.id, r.code, r.name, r.description, r.type, r.created_by, r.is_active,
        r.max_members, r.icon_url, r.direct_key, r.created_at, r.updated_at, r.last_activity_at`

// PostgresRoomRepository provides PostgreSQL-backed persistence for rooms.
type PostgresRoomRepository struct {
	scope pgScope
}

// NewPostgresRoomRepository constructs a room repository backed by PostgreSQL.
func NewPostgresRoomRepository(pool db.Pool) *PostgresRoomRepository {
	return &PostgresRoomRepository{scope: pgScope{pool: pool}}
}

// FindByID loads a room and its membership.
func (r *PostgresRoomRepository) FindByID(ctx context.Context, id string) (models.Room, error) {
	var room models.Room
	err := r.scope.run(ctx, func(q querier) error {
		rooms, err := queryRooms(ctx, q, `SELECT `+roomColumns+` FROM rooms r WHERE r.id = $1`, id)
		if err != nil {
			return err
		}
		if len(rooms) == 0 {
			return ErrNotFound
		}
		room = rooms[0]
		return nil
	})
	return room, err
}

// FindDirectRoomBetween looks up the DIRECT room for the pair by its direct key, so
// inactive placeholders without members are found too.
func (r *PostgresRoomRepository) FindDirectRoomBetween(ctx context.Context, userA, userB string) (models.Room, error) {
	var room models.Room
	err := r.scope.run(ctx, func(q querier) error {
		rooms, err := queryRooms(ctx, q, `
        SELECT `+roomColumns+`
        FROM rooms r
        WHERE r.type = 'DIRECT' AND r.direct_key = $1
    `, models.DirectKey(userA, userB))
		if err != nil {
			return err
		}
		if len(rooms) == 0 {
			return ErrNotFound
		}
		room = rooms[0]
		return nil
	})
	return room, err
}

// Save upserts the room row and reconciles member rows in one transaction.
func (r *PostgresRoomRepository) Save(ctx context.Context, room *models.Room) error {
	assigned := false
	if room.ID == "" {
		room.ID = uuid.NewString()
		assigned = true
	}

	err := r.scope.write(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
        INSERT INTO rooms (id, code, name, description, type, created_by, is_active, max_members, icon_url, direct_key, created_at, updated_at, last_activity_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (id)
        DO UPDATE SET name = EXCLUDED.name,
            description = EXCLUDED.description,
            type = EXCLUDED.type,
            is_active = EXCLUDED.is_active,
            max_members = EXCLUDED.max_members,
            icon_url = EXCLUDED.icon_url,
            updated_at = EXCLUDED.updated_at,
            last_activity_at = EXCLUDED.last_activity_at
    `, room.ID, room.Code, room.Name, room.Description, string(room.Type), room.CreatedBy, room.IsActive,
			room.MaxMembers, room.IconURL, nullString(room.DirectKey), room.CreatedAt.UTC(), room.UpdatedAt.UTC(), room.LastActivityAt.UTC())
		if err != nil {
			return mapWriteError(err, "upsert room")
		}

		members := room.Members.Sorted()
		admins := room.Admins.Sorted()

		if _, err := q.Exec(ctx, `
        DELETE FROM room_members
        WHERE room_id = $1 AND NOT (user_id = ANY($2::TEXT[]))
    `, room.ID, members); err != nil {
			return fmt.Errorf("prune room members: %w", err)
		}

		if len(members) == 0 {
			return nil
		}

		if _, err := q.Exec(ctx, `
        INSERT INTO room_members (room_id, user_id, is_admin, joined_at)
        SELECT $1, m, m = ANY($3::TEXT[]), $4
        FROM unnest($2::TEXT[]) AS m
        ON CONFLICT (room_id, user_id)
        DO UPDATE SET is_admin = EXCLUDED.is_admin
    `, room.ID, members, admins, room.UpdatedAt.UTC()); err != nil {
			return mapWriteError(err, "upsert room members")
		}
		return nil
	})
	if err != nil && assigned {
		room.ID = ""
	}
	return err
}

// ListForUser returns active rooms the user belongs to, most recently active first.
func (r *PostgresRoomRepository) ListForUser(ctx context.Context, userID string) ([]models.Room, error) {
	var rooms []models.Room
	err := r.scope.run(ctx, func(q querier) error {
		var err error
		rooms, err = queryRooms(ctx, q, `
        SELECT `+roomColumns+`
        FROM rooms r
        JOIN room_members m ON m.room_id = r.id
        WHERE m.user_id = $1 AND r.is_active
        ORDER BY r.last_activity_at DESC
    `, userID)
		return err
	})
	return rooms, err
}

// ListPublic returns active public rooms.
func (r *PostgresRoomRepository) ListPublic(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	err := r.scope.run(ctx, func(q querier) error {
		var err error
		rooms, err = queryRooms(ctx, q, `
        SELECT `+roomColumns+`
        FROM rooms r
        WHERE r.type = 'PUBLIC' AND r.is_active
        ORDER BY r.last_activity_at DESC
        LIMIT 200
    `)
		return err
	})
	return rooms, err
}

func queryRooms(ctx context.Context, q querier, query string, args ...any) ([]models.Room, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var (
		rooms []models.Room
		ids   []string
	)
	for rows.Next() {
		var (
			room      models.Room
			roomType  string
			directKey sql.NullString
		)
		if err := rows.Scan(&room.ID, &room.Code, &room.Name, &room.Description, &roomType, &room.CreatedBy, &room.IsActive,
			&room.MaxMembers, &room.IconURL, &directKey, &room.CreatedAt, &room.UpdatedAt, &room.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room.Type = models.RoomType(roomType)
		room.DirectKey = directKey.String
		room.Members = make(models.UserSet)
		room.Admins = make(models.UserSet)
		rooms = append(rooms, room)
		ids = append(ids, room.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	rows.Close()

	if len(rooms) == 0 {
		return rooms, nil
	}

	if err := loadMembers(ctx, q, rooms, ids); err != nil {
		return nil, err
	}
	return rooms, nil
}

func loadMembers(ctx context.Context, q querier, rooms []models.Room, ids []string) error {
	index := make(map[string]int, len(rooms))
	for i := range rooms {
		index[rooms[i].ID] = i
	}

	rows, err := q.Query(ctx, `
        SELECT room_id, user_id, is_admin
        FROM room_members
        WHERE room_id = ANY($1::TEXT[])
    `, ids)
	if err != nil {
		return fmt.Errorf("query room members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roomID, userID string
			isAdmin        bool
		)
		if err := rows.Scan(&roomID, &userID, &isAdmin); err != nil {
			return fmt.Errorf("scan room member: %w", err)
		}
		i, ok := index[roomID]
		if !ok {
			continue
		}
		rooms[i].Members[userID] = struct{}{}
		if isAdmin {
			rooms[i].Admins[userID] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate room members: %w", err)
	}
	return nil
}

// errNoRows keeps pgx out of callers that only care about absence.
func errNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ RoomRepository = (*PostgresRoomRepository)(nil)
