package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/roomcast/backend/internal/db"
	"github.com/roomcast/backend/internal/models"
)

const messageColumns = `id, room_id, sender_id, content, type, reply_to, attachment_url, attachment_name,
        attachment_size, attachment_type, edited, edited_at, deleted, deleted_at, created_at`

// PostgresMessageRepository provides PostgreSQL-backed persistence for chat messages.
type PostgresMessageRepository struct {
	scope pgScope
}

// NewPostgresMessageRepository constructs a message repository backed by PostgreSQL.
func NewPostgresMessageRepository(pool db.Pool) *PostgresMessageRepository {
	return &PostgresMessageRepository{scope: pgScope{pool: pool}}
}

// Create stores a new message.
func (r *PostgresMessageRepository) Create(ctx context.Context, message models.ChatMessage) error {
	var att models.Attachment
	if message.Attachment != nil {
		att = *message.Attachment
	}

	return r.scope.run(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
        INSERT INTO messages (`+messageColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
    `, message.ID, message.RoomID, message.SenderID, message.Content, string(message.Type), nullString(message.ReplyTo),
			att.URL, att.Name, att.Size, att.ContentType, message.Edited, nullTime(message.EditedAt),
			message.Deleted, nullTime(message.DeletedAt), message.CreatedAt.UTC())
		if err != nil {
			return mapWriteError(err, "insert message")
		}
		return nil
	})
}

// FindByID loads a message and its read receipts.
func (r *PostgresMessageRepository) FindByID(ctx context.Context, id string) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.scope.run(ctx, func(q querier) error {
		var err error
		message, err = scanMessage(q.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
		if err != nil {
			return err
		}
		list := []models.ChatMessage{message}
		if err := loadReads(ctx, q, list); err != nil {
			return err
		}
		message = list[0]
		return nil
	})
	return message, err
}

// Update persists edits and soft deletion.
func (r *PostgresMessageRepository) Update(ctx context.Context, message models.ChatMessage) error {
	return r.scope.run(ctx, func(q querier) error {
		tag, err := q.Exec(ctx, `
        UPDATE messages
        SET content = $2, edited = $3, edited_at = $4, deleted = $5, deleted_at = $6
        WHERE id = $1
    `, message.ID, message.Content, message.Edited, nullTime(message.EditedAt), message.Deleted, nullTime(message.DeletedAt))
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListForRoom returns the latest non-deleted messages of a room in chronological order.
func (r *PostgresMessageRepository) ListForRoom(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	var messages []models.ChatMessage
	err := r.scope.run(ctx, func(q querier) error {
		rows, err := q.Query(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE room_id = $1 AND NOT deleted
        ORDER BY created_at DESC
        LIMIT $2
    `, roomID, limit)
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			message, err := scanMessage(rows)
			if err != nil {
				return err
			}
			messages = append(messages, message)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate messages: %w", err)
		}
		rows.Close()

		slices.Reverse(messages)
		return loadReads(ctx, q, messages)
	})
	return messages, err
}

// MarkRead records a read receipt. Repeated reads are ignored.
func (r *PostgresMessageRepository) MarkRead(ctx context.Context, messageID, userID string, at time.Time) error {
	return r.scope.run(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
        INSERT INTO message_reads (message_id, user_id, read_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (message_id, user_id) DO NOTHING
    `, messageID, userID, at.UTC())
		if err != nil {
			return mapWriteError(err, "insert message read")
		}
		return nil
	})
}

func scanMessage(row rowScanner) (models.ChatMessage, error) {
	var (
		message             models.ChatMessage
		msgType             string
		replyTo             sql.NullString
		att                 models.Attachment
		editedAt, deletedAt sql.NullTime
	)
	if err := row.Scan(&message.ID, &message.RoomID, &message.SenderID, &message.Content, &msgType, &replyTo,
		&att.URL, &att.Name, &att.Size, &att.ContentType, &message.Edited, &editedAt,
		&message.Deleted, &deletedAt, &message.CreatedAt); err != nil {
		if errNoRows(err) {
			return models.ChatMessage{}, ErrNotFound
		}
		return models.ChatMessage{}, fmt.Errorf("scan message: %w", err)
	}
	message.Type = models.MessageType(msgType)
	message.ReplyTo = replyTo.String
	if att.URL != "" {
		message.Attachment = &att
	}
	message.EditedAt = timePtr(editedAt)
	message.DeletedAt = timePtr(deletedAt)
	message.CreatedAt = message.CreatedAt.UTC()
	message.ReadBy = make(models.UserSet)
	return message, nil
}

func loadReads(ctx context.Context, q querier, messages []models.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}
	index := make(map[string]int, len(messages))
	ids := make([]string, 0, len(messages))
	for i := range messages {
		index[messages[i].ID] = i
		ids = append(ids, messages[i].ID)
	}

	rows, err := q.Query(ctx, `
        SELECT message_id, user_id
        FROM message_reads
        WHERE message_id = ANY($1::TEXT[])
    `, ids)
	if err != nil {
		return fmt.Errorf("query message reads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return fmt.Errorf("scan message read: %w", err)
		}
		if i, ok := index[messageID]; ok {
			messages[i].ReadBy[userID] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate message reads: %w", err)
	}
	return nil
}

var _ MessageRepository = (*PostgresMessageRepository)(nil)
