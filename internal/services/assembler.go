package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentx/raven-backend/internal/llm"
	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/providers"
	"github.com/agentx/raven-backend/internal/storage"
)

// AssembleRequest describes the turn a prompt is being built for
type AssembleRequest struct {
	ChatID        string
	UserID        string
	Current       models.Turn
	CurrentTokens int
	// Before excludes the current turn's own rows from history
	Before time.Time
	Budget models.TokenBudget
}

// Prompt is the model input for one turn
type Prompt struct {
	Text            string
	Media           []providers.MediaPart
	Summary         *models.ChatSummary
	HistoryMessages int
	HistoryTokens   int
}

// ContextAssembler turns persisted history and the current turn into a
// bounded prompt
type ContextAssembler struct {
	windower  *HistoryWindower
	summaries *SummaryManager
	selector  *MediaSelector
	logger    *logrus.Logger
}

// NewContextAssembler creates an assembler. summaries may be nil to disable
// summarization.
func NewContextAssembler(windower *HistoryWindower, summaries *SummaryManager, selector *MediaSelector, logger *logrus.Logger) *ContextAssembler {
	return &ContextAssembler{
		windower:  windower,
		summaries: summaries,
		selector:  selector,
		logger:    orStandard(logger),
	}
}

// Assemble builds the prompt for req. History problems never fail the
// turn; the prompt then carries only the current turn.
func (a *ContextAssembler) Assemble(ctx context.Context, req AssembleRequest) *Prompt {
	log := a.logger.WithField("chat_id", req.ChatID)

	if a.summaries != nil {
		a.summaries.MaybeSummarize(ctx, req.ChatID, req.UserID, req.Before)
	}

	budget := max(req.Budget.WindowTokens()-req.CurrentTokens, 0)
	window, err := a.windower.GetContext(ctx, req.ChatID, budget, req.Before)
	if err != nil {
		log.WithError(err).Warn("Failed to load history, continuing without it")
		window = &Window{}
	}

	history := models.GroupTurns(window.Messages)
	allowed := a.selector.Select(req.Current, history)

	turns := make([]models.Turn, 0, len(history)+2)
	if window.Summary != nil {
		turns = append(turns, SummaryTurn(window.Summary))
	}
	turns = append(turns, history...)
	turns = append(turns, req.Current)

	text, media := FormatForModel(turns, allowed)
	llm.ContextTokens.Observe(float64(window.TokensUsed))

	log.WithFields(logrus.Fields{
		"history_messages": len(window.Messages),
		"history_tokens":   window.TokensUsed,
		"budget":           budget,
		"media":            len(media),
	}).Debug("Assembled context")

	return &Prompt{
		Text:            text,
		Media:           media,
		Summary:         window.Summary,
		HistoryMessages: len(window.Messages),
		HistoryTokens:   window.TokensUsed,
	}
}

// SummaryTurn renders a summary as a leading system turn
func SummaryTurn(s *models.ChatSummary) models.Turn {
	return models.Turn{
		Role:  models.RoleSystem,
		Parts: []models.Part{models.TextPart("Summary of earlier conversation: " + s.SummaryText)},
	}
}

// FormatForModel renders turns as ROLE: lines followed by a trailing
// ASSISTANT: cue, and collects the allowed media as normalized parts in
// order of appearance. Media that is allowed but cannot be sent as a part
// is described in a placeholder line instead; media that is not allowed
// is left out. The result depends only on the arguments.
func FormatForModel(turns []models.Turn, allowed AllowedMedia) (string, []providers.MediaPart) {
	var (
		lines []string
		media []providers.MediaPart
	)
	seen := map[string]bool{}

	for _, t := range turns {
		role := strings.ToUpper(string(t.Role))
		for _, p := range t.Parts {
			if !p.IsMedia() {
				if text := strings.TrimSpace(p.Text); text != "" {
					lines = append(lines, role+": "+text)
				}
				continue
			}

			ref := *p.Media
			if !allowed.Contains(ref.Locator) {
				continue
			}
			part, ok := mediaPart(ref)
			if !ok {
				lines = append(lines, placeholder(role, ref))
				llm.MediaPlaceholders.Inc()
				continue
			}
			if seen[part.URI] {
				continue
			}
			seen[part.URI] = true
			media = append(media, part)
		}
	}

	lines = append(lines, strings.ToUpper(string(models.RoleAssistant))+":")
	return strings.Join(lines, "\n"), media
}

func mediaPart(ref models.MediaRef) (providers.MediaPart, bool) {
	mime := ref.Mime()
	if !strings.Contains(mime, "/") {
		return providers.MediaPart{}, false
	}
	uri, err := storage.Normalize(ref.Locator, storage.FormGSURI)
	if err != nil || !strings.HasPrefix(uri, "gs://") {
		return providers.MediaPart{}, false
	}
	return providers.MediaPart{URI: uri, MimeType: mime}, true
}

func placeholder(role string, ref models.MediaRef) string {
	mime := ref.Mime()
	if mime == "" {
		mime = "unknown"
	}
	where := strings.TrimSpace(ref.Locator)
	if public, err := storage.Normalize(ref.Locator, storage.FormPublicURL); err == nil {
		where = public
	}
	return fmt.Sprintf("%s: MEDIA(%s): %s", role, mime, where)
}
