package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentx/raven-backend/internal/llm"
	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/providers"
	"github.com/agentx/raven-backend/internal/repository"
)

// ErrInvalidTurn is returned for requests that cannot start a turn
var ErrInvalidTurn = errors.New("invalid turn")

// TurnRequest is one user message to answer
type TurnRequest struct {
	ChatID   string             `json:"chat_id"`
	UserID   string             `json:"-"`
	UserName string             `json:"-"`
	Text     string             `json:"message"`
	Media    []models.MediaRef  `json:"media,omitempty"`
	Budget   models.TokenBudget `json:"budget,omitempty"`
}

// Validate checks the request can start a turn
func (r TurnRequest) Validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return fmt.Errorf("%w: chat_id is required", ErrInvalidTurn)
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidTurn)
	}
	if strings.TrimSpace(r.Text) == "" && len(r.Media) == 0 {
		return fmt.Errorf("%w: message or media is required", ErrInvalidTurn)
	}
	for _, m := range r.Media {
		if strings.TrimSpace(m.Locator) == "" {
			return fmt.Errorf("%w: media url is required", ErrInvalidTurn)
		}
	}
	if !r.Budget.IsZero() {
		if err := r.Budget.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTurn, err)
		}
	}
	return nil
}

// TurnChunk is one fragment of the streamed reply. A chunk with Error set
// is the last one.
type TurnChunk struct {
	Text  string `json:"response,omitempty"`
	Error string `json:"error,omitempty"`
}

// ChatConfig holds the turn pipeline settings
type ChatConfig struct {
	Model          string
	Budget         models.TokenBudget
	StreamRetry    llm.RetryPolicy
	PersistTimeout time.Duration
}

// ChatService runs the turn pipeline: persist, assemble, stream, persist
type ChatService struct {
	messages     repository.MessageRepository
	assembler    *ContextAssembler
	tokens       *TokenAccountant
	instructions *SystemInstructionCache
	generator    providers.Generator
	cfg          ChatConfig
	logger       *logrus.Logger
	now          func() time.Time
}

// NewChatService creates a new chat service
func NewChatService(
	messages repository.MessageRepository,
	assembler *ContextAssembler,
	tokens *TokenAccountant,
	instructions *SystemInstructionCache,
	generator providers.Generator,
	cfg ChatConfig,
	logger *logrus.Logger,
) *ChatService {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	return &ChatService{
		messages:     messages,
		assembler:    assembler,
		tokens:       tokens,
		instructions: instructions,
		generator:    generator,
		cfg:          cfg,
		logger:       orStandard(logger),
		now:          time.Now,
	}
}

// timestamp returns a UTC time at the precision every store keeps
func (s *ChatService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// userRows splits the turn into a text row followed by one row per media
// item, with strictly increasing timestamps
func (s *ChatService) userRows(ctx context.Context, req TurnRequest) ([]models.Message, int) {
	base := s.timestamp()
	var (
		rows  []models.Message
		total int
	)
	next := func() time.Time {
		return base.Add(time.Duration(len(rows)) * time.Microsecond)
	}

	if text := strings.TrimSpace(req.Text); text != "" {
		n := s.tokens.CountText(ctx, text)
		rows = append(rows, models.Message{
			ID:         uuid.New().String(),
			ChatID:     req.ChatID,
			UserID:     req.UserID,
			Role:       models.RoleUser,
			Content:    models.NullString(text),
			TokenCount: n,
			Timestamp:  next(),
		})
		total += n
	}
	for _, m := range req.Media {
		n := s.tokens.MediaTokens(m)
		rows = append(rows, models.Message{
			ID:         uuid.New().String(),
			ChatID:     req.ChatID,
			UserID:     req.UserID,
			Role:       models.RoleUser,
			MediaURL:   models.NullString(strings.TrimSpace(m.Locator)),
			MediaType:  models.NullString(m.Mime()),
			TokenCount: n,
			Timestamp:  next(),
		})
		total += n
	}
	return rows, total
}

// StreamTurn persists the user's message and streams the reply. Errors
// returned directly mean the turn never started; failures after that
// arrive as an Error chunk. The channel is closed once the reply has been
// persisted.
func (s *ChatService) StreamTurn(ctx context.Context, req TurnRequest) (<-chan TurnChunk, error) {
	if err := req.Validate(); err != nil {
		llm.TurnsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	budget := req.Budget
	if budget.IsZero() {
		budget = s.cfg.Budget
	}

	log := s.logger.WithFields(logrus.Fields{
		"chat_id": req.ChatID,
		"user_id": req.UserID,
	})

	rows, currentTokens := s.userRows(ctx, req)
	if err := s.messages.AppendMessages(ctx, rows); err != nil {
		llm.TurnsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("failed to persist user turn: %w", err)
	}
	current := models.GroupTurns(rows)[0]
	userEnd := rows[len(rows)-1].Timestamp

	prompt := s.assembler.Assemble(ctx, AssembleRequest{
		ChatID:        req.ChatID,
		UserID:        req.UserID,
		Current:       current,
		CurrentTokens: currentTokens,
		Before:        rows[0].Timestamp,
		Budget:        budget,
	})

	var instruction string
	if s.instructions != nil {
		instruction = Personalize(s.instructions.Get(ctx), req.UserName)
	}

	completion := providers.CompletionRequest{
		Model:             s.cfg.Model,
		SystemInstruction: instruction,
		Prompt:            prompt.Text,
		Media:             prompt.Media,
		Stream:            true,
	}

	var stream <-chan providers.StreamChunk
	err := llm.Retry(ctx, s.cfg.StreamRetry, providers.Retryable, func(ctx context.Context) error {
		var err error
		stream, err = s.generator.StreamComplete(ctx, completion)
		return err
	})
	if err != nil {
		llm.TurnsTotal.WithLabelValues("provider_error").Inc()
		log.WithError(err).Error("Failed to open generation stream")
		return nil, fmt.Errorf("failed to open generation stream: %w", err)
	}

	out := make(chan TurnChunk)
	go s.forward(ctx, req, userEnd, stream, out, log)
	return out, nil
}

func (s *ChatService) forward(ctx context.Context, req TurnRequest, after time.Time, stream <-chan providers.StreamChunk, out chan<- TurnChunk, log *logrus.Entry) {
	start := time.Now()
	outcome := "completed"
	var reply strings.Builder

	defer func() {
		s.persistAssistant(ctx, req, after, reply.String(), log)
		llm.TurnsTotal.WithLabelValues(outcome).Inc()
		llm.StreamDuration.Observe(time.Since(start).Seconds())
		close(out)
	}()

	send := func(chunk TurnChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			outcome = "cancelled"
			return
		case chunk, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					outcome = "cancelled"
				}
				return
			}
			if chunk.Error != "" {
				outcome = "provider_error"
				log.WithField("error", chunk.Error).Warn("Generation stream failed")
				send(TurnChunk{Error: chunk.Error})
				return
			}
			if chunk.Delta == "" {
				continue
			}
			reply.WriteString(chunk.Delta)
			if !send(TurnChunk{Text: chunk.Delta}) {
				outcome = "cancelled"
				return
			}
		}
	}
}

// persistAssistant stores whatever the model produced. It runs detached
// from ctx so that a disconnected client still gets its partial reply
// saved; failures are only logged.
func (s *ChatService) persistAssistant(ctx context.Context, req TurnRequest, after time.Time, text string, log *logrus.Entry) {
	if strings.TrimSpace(text) == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()

	ts := s.timestamp()
	if !ts.After(after) {
		ts = after.Add(time.Microsecond)
	}

	msg := models.Message{
		ID:         uuid.New().String(),
		ChatID:     req.ChatID,
		UserID:     req.UserID,
		Role:       models.RoleAssistant,
		Content:    models.NullString(text),
		TokenCount: s.tokens.CountText(ctx, text),
		Timestamp:  ts,
	}
	if err := s.messages.AppendMessages(ctx, []models.Message{msg}); err != nil {
		log.WithError(err).Error("Failed to persist assistant reply")
		return
	}
	log.WithField("tokens", msg.TokenCount).Debug("Persisted assistant reply")
}
