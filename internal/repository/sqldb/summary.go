package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/repository"
)

const summaryColumns = `id, chat_id, user_id, version, summary_text, summary_tokens,
	start_timestamp, end_timestamp, messages_summarized, created_at`

// SummaryRepository implements repository.SummaryRepository
type SummaryRepository struct {
	db *sqlx.DB
}

var _ repository.SummaryRepository = (*SummaryRepository)(nil)

// NewSummaryRepository creates a new summary repository
func NewSummaryRepository(db *sqlx.DB) *SummaryRepository {
	return &SummaryRepository{db: db}
}

// InsertSummary reads the current maximum version and inserts at max+1 in
// one transaction. A concurrent writer that claimed the same version makes
// the unique (chat_id, version) constraint fail, reported as
// repository.ErrVersionConflict.
func (r *SummaryRepository) InsertSummary(ctx context.Context, s *models.ChatSummary) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.GetContext(ctx, &current,
		tx.Rebind(`SELECT COALESCE(MAX(version), 0) FROM chat_summaries WHERE chat_id = ?`), s.ChatID)
	if err != nil {
		return fmt.Errorf("failed to read summary version: %w", err)
	}

	row := *s
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	row.Version = current + 1
	row.StartTimestamp = row.StartTimestamp.UTC()
	row.EndTimestamp = row.EndTimestamp.UTC()
	row.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO chat_summaries (id, chat_id, user_id, version, summary_text, summary_tokens,
			start_timestamp, end_timestamp, messages_summarized, created_at)
		VALUES (:id, :chat_id, :user_id, :version, :summary_text, :summary_tokens,
			:start_timestamp, :end_timestamp, :messages_summarized, :created_at)
	`
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("chat %s version %d: %w", row.ChatID, row.Version, repository.ErrVersionConflict)
		}
		return fmt.Errorf("failed to insert summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("chat %s version %d: %w", row.ChatID, row.Version, repository.ErrVersionConflict)
		}
		return fmt.Errorf("failed to commit summary: %w", err)
	}

	*s = row
	return nil
}

// LatestSummary returns the current summary for a chat
func (r *SummaryRepository) LatestSummary(ctx context.Context, chatID string) (*models.ChatSummary, error) {
	query := r.db.Rebind(`
		SELECT ` + summaryColumns + `
		FROM chat_summaries
		WHERE chat_id = ?
		ORDER BY version DESC
		LIMIT 1
	`)

	var s models.ChatSummary
	if err := r.db.GetContext(ctx, &s, query, chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest summary: %w", err)
	}
	normalizeSummary(&s)
	return &s, nil
}

// ListSummaries returns all versions for a chat
func (r *SummaryRepository) ListSummaries(ctx context.Context, chatID string) ([]models.ChatSummary, error) {
	query := r.db.Rebind(`
		SELECT ` + summaryColumns + `
		FROM chat_summaries
		WHERE chat_id = ?
		ORDER BY version ASC
	`)

	var out []models.ChatSummary
	if err := r.db.SelectContext(ctx, &out, query, chatID); err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	for i := range out {
		normalizeSummary(&out[i])
	}
	return out, nil
}

func normalizeSummary(s *models.ChatSummary) {
	s.StartTimestamp = s.StartTimestamp.UTC()
	s.EndTimestamp = s.EndTimestamp.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
