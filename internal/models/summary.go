package models

import (
	"errors"
	"time"
)

// ChatSummary is an immutable, versioned summary of a prefix of a chat.
// The current summary for a chat is the row with the highest version.
type ChatSummary struct {
	ID                 string    `db:"id" json:"id"`
	ChatID             string    `db:"chat_id" json:"chat_id"`
	UserID             string    `db:"user_id" json:"user_id"`
	Version            int       `db:"version" json:"version"`
	SummaryText        string    `db:"summary_text" json:"summary_text"`
	SummaryTokens      int       `db:"summary_tokens" json:"summary_tokens"`
	StartTimestamp     time.Time `db:"start_timestamp" json:"start_timestamp"`
	EndTimestamp       time.Time `db:"end_timestamp" json:"end_timestamp"`
	MessagesSummarized int       `db:"messages_summarized" json:"messages_summarized"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// TokenBudget bounds how much context a single generation call may spend
// on history before the current turn.
type TokenBudget struct {
	MaxContextTokens   int `json:"max_context_tokens"`
	TargetWindowTokens int `json:"target_window_tokens"`
}

// IsZero reports whether neither limit was supplied
func (b TokenBudget) IsZero() bool {
	return b.MaxContextTokens == 0 && b.TargetWindowTokens == 0
}

// Validate checks the budget is usable
func (b TokenBudget) Validate() error {
	if b.TargetWindowTokens <= 0 {
		return errors.New("target window tokens must be positive")
	}
	if b.MaxContextTokens < b.TargetWindowTokens {
		return errors.New("max context tokens must be at least the target window")
	}
	return nil
}

// WindowTokens returns the target window clamped to the context maximum
func (b TokenBudget) WindowTokens() int {
	return min(b.TargetWindowTokens, b.MaxContextTokens)
}
