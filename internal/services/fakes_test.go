package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/providers"
	"github.com/agentx/raven-backend/internal/repository"
)

var (
	base       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	errBackend = errors.New("backend unavailable")
)

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

// memoryMessages is an in-memory MessageRepository
type memoryMessages struct {
	mu        sync.Mutex
	rows      []models.Message
	appendErr error
	listErr   error
}

func (r *memoryMessages) AppendMessages(_ context.Context, messages []models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	for _, m := range messages {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		r.rows = append(r.rows, m)
	}
	sort.SliceStable(r.rows, func(i, j int) bool { return r.rows[i].Timestamp.Before(r.rows[j].Timestamp) })
	return nil
}

func (r *memoryMessages) chat(chatID string) []models.Message {
	var out []models.Message
	for _, m := range r.rows {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (r *memoryMessages) ListMessages(_ context.Context, chatID string, offset, limit int) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	rows := r.chat(chatID)
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *memoryMessages) ListMessagesAfter(_ context.Context, chatID string, after time.Time) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []models.Message
	for _, m := range r.chat(chatID) {
		if m.Timestamp.After(after) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memoryMessages) ListRecentMessages(_ context.Context, chatID string, before time.Time, limit int) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []models.Message
	for _, m := range r.chat(chatID) {
		if before.IsZero() || m.Timestamp.Before(before) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memoryMessages) Stats(_ context.Context, chatID string, after *time.Time) (repository.MessageStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return repository.MessageStats{}, r.listErr
	}
	var stats repository.MessageStats
	for _, m := range r.chat(chatID) {
		if after != nil && !m.Timestamp.After(*after) {
			continue
		}
		stats.Count++
		stats.Tokens += m.TokenCount
	}
	return stats, nil
}

func (r *memoryMessages) all() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.rows...)
}

// memorySummaries is an in-memory SummaryRepository
type memorySummaries struct {
	mu   sync.Mutex
	rows []models.ChatSummary
	err  error
}

func (r *memorySummaries) InsertSummary(_ context.Context, s *models.ChatSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	version := 0
	for _, row := range r.rows {
		if row.ChatID == s.ChatID && row.Version > version {
			version = row.Version
		}
	}
	s.ID = uuid.New().String()
	s.Version = version + 1
	s.CreatedAt = time.Now().UTC()
	r.rows = append(r.rows, *s)
	return nil
}

func (r *memorySummaries) LatestSummary(_ context.Context, chatID string) (*models.ChatSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var latest *models.ChatSummary
	for i := range r.rows {
		if r.rows[i].ChatID == chatID && (latest == nil || r.rows[i].Version > latest.Version) {
			s := r.rows[i]
			latest = &s
		}
	}
	return latest, nil
}

func (r *memorySummaries) ListSummaries(_ context.Context, chatID string) ([]models.ChatSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ChatSummary
	for _, s := range r.rows {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// fakeGenerator returns canned completions and streams
type fakeGenerator struct {
	mu        sync.Mutex
	summary   string
	err       error
	openErrs  int
	openErr   error
	deltas    []string
	streamErr string
	block     bool
	requests  []providers.CompletionRequest
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Complete(_ context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &providers.CompletionResponse{Content: g.summary}, nil
}

func (g *fakeGenerator) StreamComplete(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	if g.openErrs > 0 {
		g.openErrs--
		err := g.openErr
		g.mu.Unlock()
		if err == nil {
			err = errBackend
		}
		return nil, err
	}
	deltas, streamErr, block := g.deltas, g.streamErr, g.block
	g.mu.Unlock()

	ch := make(chan providers.StreamChunk)
	go func() {
		defer close(ch)
		for _, d := range deltas {
			select {
			case ch <- providers.StreamChunk{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
		if streamErr != "" {
			select {
			case ch <- providers.StreamChunk{Error: streamErr}:
			case <-ctx.Done():
			}
			return
		}
		if block {
			<-ctx.Done()
			return
		}
		select {
		case ch <- providers.StreamChunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (g *fakeGenerator) lastRequest() providers.CompletionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

// fakeCounter returns a fixed count, or fails
type fakeCounter struct {
	mu    sync.Mutex
	calls int
	n     int
	err   error
}

func (c *fakeCounter) CountTokens(_ context.Context, text string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	return c.n, nil
}

func (c *fakeCounter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func textRow(chatID string, role models.Role, text string, tokens int, at time.Time) models.Message {
	return models.Message{
		ID:         uuid.New().String(),
		ChatID:     chatID,
		UserID:     "user-1",
		Role:       role,
		Content:    models.NullString(text),
		TokenCount: tokens,
		Timestamp:  at,
	}
}

func mediaRow(chatID string, role models.Role, locator, mime string, at time.Time) models.Message {
	return models.Message{
		ID:         uuid.New().String(),
		ChatID:     chatID,
		UserID:     "user-1",
		Role:       role,
		MediaURL:   models.NullString(locator),
		MediaType:  models.NullString(mime),
		TokenCount: 258,
		Timestamp:  at,
	}
}

// seedChat stores n alternating user/assistant text rows, one second apart,
// each costing tokens[i]
func seedChat(repo *memoryMessages, chatID string, tokens ...int) []models.Message {
	var rows []models.Message
	for i, n := range tokens {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		rows = append(rows, textRow(chatID, role, "message", n, base.Add(time.Duration(i)*time.Second)))
	}
	_ = repo.AppendMessages(context.Background(), rows)
	return rows
}

// failingSummaries fails the first failures inserts with err, the way a
// concurrent writer or a lost connection would
type failingSummaries struct {
	*memorySummaries
	failures int
	err      error
	inserts  int
}

func (r *failingSummaries) InsertSummary(ctx context.Context, s *models.ChatSummary) error {
	r.inserts++
	if r.inserts <= r.failures {
		return fmt.Errorf("chat %s insert %d: %w", s.ChatID, r.inserts, r.err)
	}
	return r.memorySummaries.InsertSummary(ctx, s)
}
