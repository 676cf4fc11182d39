package repository

import (
	"context"
	"errors"
	"time"

	"github.com/agentx/raven-backend/internal/models"
)

// ErrVersionConflict is returned when another writer claimed the summary
// version this insert computed. Retrying recomputes the version.
var ErrVersionConflict = errors.New("summary version already exists")

// MessageStats aggregates the persisted rows of a chat
type MessageStats struct {
	Count  int `db:"message_count"`
	Tokens int `db:"total_tokens"`
}

// MessageRepository defines message storage operations. Every list is
// ordered oldest first.
type MessageRepository interface {
	// AppendMessages inserts rows in a single transaction, assigning IDs to
	// rows that have none.
	AppendMessages(ctx context.Context, messages []models.Message) error
	// ListMessages pages through a chat. A non-positive limit means no limit.
	ListMessages(ctx context.Context, chatID string, offset, limit int) ([]models.Message, error)
	// ListMessagesAfter returns rows with a timestamp strictly after after
	ListMessagesAfter(ctx context.Context, chatID string, after time.Time) ([]models.Message, error)
	// ListRecentMessages returns the newest limit rows strictly before
	// before. A zero before means no upper bound.
	ListRecentMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]models.Message, error)
	// Stats counts rows and tokens, optionally only those strictly after
	// after.
	Stats(ctx context.Context, chatID string, after *time.Time) (MessageStats, error)
}

// SummaryRepository defines append-only summary storage
type SummaryRepository interface {
	// InsertSummary stores s at the chat's current maximum version plus one
	// and writes the assigned ID, version and creation time back into s.
	InsertSummary(ctx context.Context, s *models.ChatSummary) error
	// LatestSummary returns the highest version, or nil when none exists
	LatestSummary(ctx context.Context, chatID string) (*models.ChatSummary, error)
	// ListSummaries returns every version in ascending order
	ListSummaries(ctx context.Context, chatID string) ([]models.ChatSummary, error)
}
