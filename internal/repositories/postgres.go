package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/roomcast/backend/internal/db"
	"github.com/roomcast/backend/internal/models"
)

// querier is satisfied by both pooled connections and open transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// pgScope runs statements either on a freshly acquired connection or inside
// the transaction the repository was bound to.
type pgScope struct {
	pool db.Pool
	tx   pgx.Tx
}

func (s pgScope) run(ctx context.Context, fn func(q querier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	return fn(conn)
}

// write groups several statements so they commit together. Inside a bound
// transaction the statements join it directly.
func (s pgScope) write(ctx context.Context, fn func(q querier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.run(ctx, func(q querier) error {
		return pgx.BeginFunc(ctx, q, func(tx pgx.Tx) error { return fn(tx) })
	})
}

func mapWriteError(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return ErrNotFound
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// PostgresStore provides PostgreSQL-backed persistence for every repository.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore constructs a store backed by PostgreSQL.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Rooms() RoomRepository {
	return &PostgresRoomRepository{scope: pgScope{pool: s.pool}}
}

func (s *PostgresStore) Invites() InviteRepository {
	return &PostgresInviteRepository{scope: pgScope{pool: s.pool}}
}

func (s *PostgresStore) Messages() MessageRepository {
	return &PostgresMessageRepository{scope: pgScope{pool: s.pool}}
}

func (s *PostgresStore) Users() UserRepository {
	return &PostgresUserRepository{scope: pgScope{pool: s.pool}}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Atomic runs fn inside one serializable transaction, retrying on transient conflicts.
func (s *PostgresStore) Atomic(ctx context.Context, name string, fn TxFunc) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	return db.RunSerializable(ctx, conn, name, func(tx pgx.Tx) error {
		scope := pgScope{tx: tx}
		return fn(ctx, &PostgresRoomRepository{scope: scope}, &PostgresInviteRepository{scope: scope})
	})
}

// PostgresUserRepository provides PostgreSQL-backed persistence for user projections.
type PostgresUserRepository struct {
	scope pgScope
}

// NewPostgresUserRepository constructs a user repository backed by PostgreSQL.
func NewPostgresUserRepository(pool db.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{scope: pgScope{pool: pool}}
}

// Upsert creates the user or refreshes its display name.
func (r *PostgresUserRepository) Upsert(ctx context.Context, user models.User) error {
	return r.scope.run(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
        INSERT INTO users (id, display_name, created_at, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id)
        DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = EXCLUDED.updated_at
    `, user.ID, user.DisplayName, user.CreatedAt.UTC(), user.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// FindByID fetches a user by identifier.
func (r *PostgresUserRepository) FindByID(ctx context.Context, id string) (models.User, error) {
	var user models.User
	err := r.scope.run(ctx, func(q querier) error {
		row := q.QueryRow(ctx, `
        SELECT id, display_name, created_at, updated_at
        FROM users
        WHERE id = $1
    `, id)
		if err := row.Scan(&user.ID, &user.DisplayName, &user.CreatedAt, &user.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select user: %w", err)
		}
		return nil
	})
	return user, err
}

var _ Store = (*PostgresStore)(nil)
var _ UserRepository = (*PostgresUserRepository)(nil)
