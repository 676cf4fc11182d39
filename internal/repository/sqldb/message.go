// Package sqldb implements the repositories on top of sqlx. Queries are
// written with ? placeholders and rebound for the connected driver, so the
// same code serves PostgreSQL (lib/pq or pgx) and SQLite.
package sqldb

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/repository"
)

const messageColumns = `id, chat_id, user_id, role, content, media_url, media_type, token_count, created_at`

// MessageRepository implements repository.MessageRepository
type MessageRepository struct {
	db *sqlx.DB
}

var _ repository.MessageRepository = (*MessageRepository)(nil)

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// AppendMessages inserts all rows or none. Generated IDs and normalized
// timestamps are written back into the slice.
func (r *MessageRepository) AppendMessages(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, chat_id, user_id, role, content, media_url, media_type, token_count, created_at)
		VALUES (:id, :chat_id, :user_id, :role, :content, :media_url, :media_type, :token_count, :created_at)
	`

	for i := range messages {
		if messages[i].ID == "" {
			messages[i].ID = uuid.New().String()
		}
		if messages[i].Timestamp.IsZero() {
			messages[i].Timestamp = time.Now()
		}
		messages[i].Timestamp = messages[i].Timestamp.UTC()

		if _, err := tx.NamedExecContext(ctx, query, messages[i]); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

// ListMessages retrieves a page of messages for a chat
func (r *MessageRepository) ListMessages(ctx context.Context, chatID string, offset, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	query := r.db.Rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`)

	var messages []models.Message
	if err := r.db.SelectContext(ctx, &messages, query, chatID, limit, max(offset, 0)); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return normalizeMessages(messages), nil
}

// ListMessagesAfter retrieves messages newer than after
func (r *MessageRepository) ListMessagesAfter(ctx context.Context, chatID string, after time.Time) ([]models.Message, error) {
	query := r.db.Rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = ? AND created_at > ?
		ORDER BY created_at ASC, id ASC
	`)

	var messages []models.Message
	if err := r.db.SelectContext(ctx, &messages, query, chatID, after.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list messages after %s: %w", after, err)
	}
	return normalizeMessages(messages), nil
}

// ListRecentMessages retrieves the newest messages, returned oldest first
func (r *MessageRepository) ListRecentMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	args := []interface{}{chatID}
	where := "chat_id = ?"
	if !before.IsZero() {
		where += " AND created_at < ?"
		args = append(args, before.UTC())
	}
	args = append(args, limit)

	query := r.db.Rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE ` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)

	var messages []models.Message
	if err := r.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return normalizeMessages(messages), nil
}

// Stats counts messages and their tokens
func (r *MessageRepository) Stats(ctx context.Context, chatID string, after *time.Time) (repository.MessageStats, error) {
	args := []interface{}{chatID}
	where := "chat_id = ?"
	if after != nil {
		where += " AND created_at > ?"
		args = append(args, after.UTC())
	}

	query := r.db.Rebind(`
		SELECT COUNT(*) AS message_count, COALESCE(SUM(token_count), 0) AS total_tokens
		FROM messages
		WHERE ` + where)

	var stats repository.MessageStats
	if err := r.db.GetContext(ctx, &stats, query, args...); err != nil {
		return repository.MessageStats{}, fmt.Errorf("failed to compute message stats: %w", err)
	}
	return stats, nil
}

func normalizeMessages(messages []models.Message) []models.Message {
	for i := range messages {
		messages[i].Timestamp = messages[i].Timestamp.UTC()
	}
	return messages
}
