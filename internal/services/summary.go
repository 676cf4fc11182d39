package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentx/raven-backend/internal/llm"
	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/providers"
	"github.com/agentx/raven-backend/internal/repository"
)

// SummaryConfig holds the summarization thresholds
type SummaryConfig struct {
	TriggerTokens int
	TargetTokens  int
	MaxTokens     int
	MinMessages   int
	KeepRecent    int
	Temperature   float32
	Model         string
	Timeout       time.Duration
	SaveRetry     llm.RetryPolicy
}

// DefaultSummaryConfig returns the production thresholds
func DefaultSummaryConfig() SummaryConfig {
	return SummaryConfig{
		TriggerTokens: 3500,
		TargetTokens:  400,
		MaxTokens:     600,
		MinMessages:   10,
		KeepRecent:    5,
		Temperature:   0.3,
		Timeout:       15 * time.Second,
		SaveRetry:     llm.DefaultRetryPolicy(),
	}
}

// SummaryInput describes a summary about to be persisted
type SummaryInput struct {
	ChatID             string
	UserID             string
	Text               string
	StartTimestamp     time.Time
	EndTimestamp       time.Time
	MessagesSummarized int
}

// SummaryManager compresses older history into append-only, versioned
// summaries.
//
// Each new version covers the messages strictly after the previous
// version's end, excluding the most recent KeepRecent rows, and is written
// as a rolling summary that folds in the previous text. Covered ranges are
// therefore contiguous and never overlap, while the latest version alone
// still describes the whole prefix.
//
// Nothing serializes summarization across concurrent turns of one chat. Two
// turns may both decide to summarize and both insert; they receive
// consecutive versions and readers only ever use the highest one.
type SummaryManager struct {
	messages  repository.MessageRepository
	summaries repository.SummaryRepository
	generator providers.Generator
	tokens    *TokenAccountant
	limiter   llm.RateLimiter
	cfg       SummaryConfig
	logger    *logrus.Logger
}

// NewSummaryManager creates a summary manager. limiter may be nil.
func NewSummaryManager(
	messages repository.MessageRepository,
	summaries repository.SummaryRepository,
	generator providers.Generator,
	tokens *TokenAccountant,
	limiter llm.RateLimiter,
	cfg SummaryConfig,
	logger *logrus.Logger,
) *SummaryManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SummaryManager{
		messages:  messages,
		summaries: summaries,
		generator: generator,
		tokens:    tokens,
		limiter:   limiter,
		cfg:       cfg,
		logger:    orStandard(logger),
	}
}

// ShouldSummarize reports whether the chat has grown enough to need a new
// summary
func (m *SummaryManager) ShouldSummarize(ctx context.Context, chatID string) (bool, error) {
	latest, err := m.summaries.LatestSummary(ctx, chatID)
	if err != nil {
		return false, err
	}
	return m.shouldSummarize(ctx, chatID, latest)
}

func (m *SummaryManager) shouldSummarize(ctx context.Context, chatID string, latest *models.ChatSummary) (bool, error) {
	total, err := m.messages.Stats(ctx, chatID, nil)
	if err != nil {
		return false, err
	}
	if total.Tokens < m.cfg.TriggerTokens || total.Count < m.cfg.MinMessages {
		return false, nil
	}
	if latest == nil {
		return true, nil
	}

	// Hysteresis: enough new material must have arrived since the last
	// summary before another one is worth generating.
	end := latest.EndTimestamp
	since, err := m.messages.Stats(ctx, chatID, &end)
	if err != nil {
		return false, err
	}
	return since.Tokens > m.cfg.TriggerTokens/2, nil
}

// CandidateMessages returns the rows the next summary should cover: those
// after the latest summary's end and before before (zero means no bound),
// minus the newest KeepRecent of them.
func (m *SummaryManager) CandidateMessages(ctx context.Context, chatID string, latest *models.ChatSummary, before time.Time) ([]models.Message, error) {
	var (
		rows []models.Message
		err  error
	)
	if latest != nil {
		rows, err = m.messages.ListMessagesAfter(ctx, chatID, latest.EndTimestamp)
	} else {
		rows, err = m.messages.ListMessages(ctx, chatID, 0, 0)
	}
	if err != nil {
		return nil, err
	}

	if !before.IsZero() {
		cut := len(rows)
		for cut > 0 && !rows[cut-1].Timestamp.Before(before) {
			cut--
		}
		rows = rows[:cut]
	}

	keep := max(m.cfg.KeepRecent, 0)
	if len(rows) <= keep {
		return nil, nil
	}
	return rows[:len(rows)-keep], nil
}

// GenerateSummary asks the generator for a summary of turns, folding in the
// prior summary when there is one
func (m *SummaryManager) GenerateSummary(ctx context.Context, prior *models.ChatSummary, turns []models.Turn) (string, error) {
	if len(turns) == 0 {
		return "", errors.New("nothing to summarize")
	}

	temperature := m.cfg.Temperature
	maxTokens := m.cfg.MaxTokens
	resp, err := m.generator.Complete(ctx, providers.CompletionRequest{
		Model:       m.cfg.Model,
		Prompt:      m.buildPrompt(prior, turns),
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", errors.New("generator returned an empty summary")
	}
	return text, nil
}

func (m *SummaryManager) buildPrompt(prior *models.ChatSummary, turns []models.Turn) string {
	var b strings.Builder
	b.WriteString(`Summarize the conversation below so it can replace the original messages in a model's context.

Cover:
1. The main topics discussed
2. Decisions reached and conclusions drawn
3. The user's questions and concerns
4. Requests or tasks the user asked for
5. Anything needed to continue the conversation naturally
`)
	fmt.Fprintf(&b, "\nUse between %d and %d words.\n", m.cfg.TargetTokens/4, m.cfg.MaxTokens/4)

	if prior != nil && prior.SummaryText != "" {
		b.WriteString("\nSummary of the conversation before these messages (fold it into the new summary):\n")
		b.WriteString(prior.SummaryText)
		b.WriteString("\n")
	}

	b.WriteString("\nConversation:\n")
	b.WriteString(formatTranscript(turns))
	b.WriteString("\n\nSummary:")
	return b.String()
}

// formatTranscript renders turns as ROLE: lines with media reduced to a
// short type tag
func formatTranscript(turns []models.Turn) string {
	var lines []string
	for _, t := range turns {
		role := strings.ToUpper(string(t.Role))
		for _, p := range t.Parts {
			if p.IsMedia() {
				lines = append(lines, fmt.Sprintf("%s: [%s: %s]", role, strings.ToUpper(string(p.Media.Kind())), p.Media.Mime()))
				continue
			}
			lines = append(lines, role+": "+p.Text)
		}
	}
	return strings.Join(lines, "\n")
}

// SaveSummary persists a new version. A version conflict with a concurrent
// writer is retried; the retry recomputes the version.
func (m *SummaryManager) SaveSummary(ctx context.Context, in SummaryInput) (*models.ChatSummary, error) {
	s := &models.ChatSummary{
		ChatID:             in.ChatID,
		UserID:             in.UserID,
		SummaryText:        in.Text,
		SummaryTokens:      m.tokens.CountText(ctx, in.Text),
		StartTimestamp:     in.StartTimestamp,
		EndTimestamp:       in.EndTimestamp,
		MessagesSummarized: in.MessagesSummarized,
	}

	retryable := func(err error) bool { return errors.Is(err, repository.ErrVersionConflict) }
	err := llm.Retry(ctx, m.cfg.SaveRetry, retryable, func(ctx context.Context) error {
		return m.summaries.InsertSummary(ctx, s)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save summary: %w", err)
	}
	return s, nil
}

// MaybeSummarize creates a new summary when the trigger conditions hold and
// returns it. It never fails the turn: errors and timeouts are logged and
// reported as nil.
func (m *SummaryManager) MaybeSummarize(ctx context.Context, chatID, userID string, before time.Time) *models.ChatSummary {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	log := m.logger.WithField("chat_id", chatID)

	latest, err := m.summaries.LatestSummary(ctx, chatID)
	if err != nil {
		log.WithError(err).Warn("Failed to load latest summary")
		llm.SummariesTotal.WithLabelValues("failed").Inc()
		return nil
	}

	should, err := m.shouldSummarize(ctx, chatID, latest)
	if err != nil {
		log.WithError(err).Warn("Failed to evaluate summary trigger")
		llm.SummariesTotal.WithLabelValues("failed").Inc()
		return nil
	}
	if !should {
		return nil
	}

	if m.limiter != nil && !m.limiter.Allow(chatID) {
		log.Debug("Summarization throttled")
		llm.SummariesTotal.WithLabelValues("throttled").Inc()
		return nil
	}

	candidates, err := m.CandidateMessages(ctx, chatID, latest, before)
	if err != nil {
		log.WithError(err).Warn("Failed to load summary candidates")
		llm.SummariesTotal.WithLabelValues("failed").Inc()
		return nil
	}
	if len(candidates) == 0 {
		llm.SummariesTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	text, err := m.GenerateSummary(ctx, latest, models.GroupTurns(candidates))
	if err != nil {
		log.WithError(err).Warn("Summary generation failed")
		llm.SummariesTotal.WithLabelValues("failed").Inc()
		return nil
	}

	saved, err := m.SaveSummary(ctx, SummaryInput{
		ChatID:             chatID,
		UserID:             userID,
		Text:               text,
		StartTimestamp:     candidates[0].Timestamp,
		EndTimestamp:       candidates[len(candidates)-1].Timestamp,
		MessagesSummarized: len(candidates),
	})
	if err != nil {
		log.WithError(err).Warn("Failed to save summary")
		llm.SummariesTotal.WithLabelValues("failed").Inc()
		return nil
	}

	log.WithFields(logrus.Fields{
		"version":  saved.Version,
		"messages": saved.MessagesSummarized,
		"tokens":   saved.SummaryTokens,
	}).Info("Created chat summary")
	llm.SummariesTotal.WithLabelValues("created").Inc()
	return saved
}
