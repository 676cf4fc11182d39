package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/repository"
)

// Window is the history selected for one turn
type Window struct {
	Summary    *models.ChatSummary
	Messages   []models.Message
	TokensUsed int
}

// HistoryWindower selects the summary and messages that fit a token budget
type HistoryWindower struct {
	messages    repository.MessageRepository
	summaries   repository.SummaryRepository
	tokens      *TokenAccountant
	maxMessages int
	logger      *logrus.Logger
}

// NewHistoryWindower creates a windower. maxMessages caps how many recent
// rows are read when no summary exists; tokens is used only for rows that
// were stored without a count and may be nil.
func NewHistoryWindower(messages repository.MessageRepository, summaries repository.SummaryRepository, tokens *TokenAccountant, maxMessages int, logger *logrus.Logger) *HistoryWindower {
	if maxMessages <= 0 {
		maxMessages = 200
	}
	return &HistoryWindower{
		messages:    messages,
		summaries:   summaries,
		tokens:      tokens,
		maxMessages: maxMessages,
		logger:      orStandard(logger),
	}
}

// GetContext returns the history for chatID that fits budget, considering
// only rows strictly before before (zero means no bound).
//
// With a summary, the window is the summary plus the longest oldest-first
// run of later messages that keeps the total within budget. Without one it
// is the longest newest-first run, returned oldest first; the newest
// message is always included even when it alone exceeds the budget. A
// summary that alone exceeds the budget is ignored.
func (w *HistoryWindower) GetContext(ctx context.Context, chatID string, budget int, before time.Time) (*Window, error) {
	summary, err := w.summaries.LatestSummary(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}

	if summary != nil && summary.SummaryTokens > budget {
		w.logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"version": summary.Version,
			"tokens":  summary.SummaryTokens,
			"budget":  budget,
		}).Warn("Summary exceeds budget, windowing without it")
		summary = nil
	}

	if summary != nil {
		return w.afterSummary(ctx, chatID, summary, budget, before)
	}
	return w.recent(ctx, chatID, budget, before)
}

func (w *HistoryWindower) afterSummary(ctx context.Context, chatID string, summary *models.ChatSummary, budget int, before time.Time) (*Window, error) {
	rows, err := w.messages.ListMessagesAfter(ctx, chatID, summary.EndTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages after summary: %w", err)
	}

	window := &Window{Summary: summary, TokensUsed: summary.SummaryTokens}
	for _, m := range rows {
		if !before.IsZero() && !m.Timestamp.Before(before) {
			break
		}
		cost := w.cost(ctx, m)
		if window.TokensUsed+cost > budget {
			break
		}
		window.TokensUsed += cost
		window.Messages = append(window.Messages, m)
	}
	return window, nil
}

func (w *HistoryWindower) recent(ctx context.Context, chatID string, budget int, before time.Time) (*Window, error) {
	rows, err := w.messages.ListRecentMessages(ctx, chatID, before, w.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}

	window := &Window{}
	start := len(rows)
	for i := len(rows) - 1; i >= 0; i-- {
		cost := w.cost(ctx, rows[i])
		if start < len(rows) && window.TokensUsed+cost > budget {
			break
		}
		window.TokensUsed += cost
		start = i
	}
	window.Messages = rows[start:]
	return window, nil
}

func (w *HistoryWindower) cost(ctx context.Context, m models.Message) int {
	if m.TokenCount > 0 || w.tokens == nil {
		return m.TokenCount
	}
	return w.tokens.CountMessage(ctx, m)
}
