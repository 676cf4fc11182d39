package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/raven-backend/internal/llm"
	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/providers"
)

func newChatService(messages *memoryMessages, gen *fakeGenerator) *ChatService {
	logger := quietLogger()
	summaries := &memorySummaries{}
	tokens := NewTokenAccountant(nil, nil, nil, TokenAccountantConfig{}, logger)
	assembler := NewContextAssembler(
		NewHistoryWindower(messages, summaries, tokens, 0, logger),
		nil,
		NewMediaSelector(DefaultMediaSelectorConfig()),
		logger,
	)
	instructions := NewSystemInstructionCache(SystemInstructionConfig{}, nil, logger)

	return NewChatService(messages, assembler, tokens, instructions, gen, ChatConfig{
		Model:       "test-model",
		Budget:      models.TokenBudget{MaxContextTokens: 1000, TargetWindowTokens: 800},
		StreamRetry: llm.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, logger)
}

func collect(t *testing.T, ch <-chan TurnChunk) []TurnChunk {
	t.Helper()
	var chunks []TurnChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("stream did not finish")
			return nil
		}
	}
}

func TestTurnRequest_Validate(t *testing.T) {
	tests := []struct {
		name string
		req  TurnRequest
	}{
		{"missing chat", TurnRequest{UserID: "u", Text: "hi"}},
		{"missing user", TurnRequest{ChatID: "c", Text: "hi"}},
		{"empty turn", TurnRequest{ChatID: "c", UserID: "u", Text: "  "}},
		{"media without url", TurnRequest{ChatID: "c", UserID: "u", Media: []models.MediaRef{{MimeType: "image/png"}}}},
		{"bad budget", TurnRequest{ChatID: "c", UserID: "u", Text: "hi", Budget: models.TokenBudget{MaxContextTokens: 10, TargetWindowTokens: 20}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.req.Validate(), ErrInvalidTurn)
		})
	}

	assert.NoError(t, TurnRequest{ChatID: "c", UserID: "u", Media: []models.MediaRef{{Locator: "gs://b/o", MimeType: "image/png"}}}.Validate())
}

func TestChatService_StreamTurn(t *testing.T) {
	messages := &memoryMessages{}
	seedChat(messages, "chat-1", 10, 10)
	gen := &fakeGenerator{deltas: []string{"Hello", " there"}}
	svc := newChatService(messages, gen)

	out, err := svc.StreamTurn(context.Background(), TurnRequest{
		ChatID:   "chat-1",
		UserID:   "user-1",
		UserName: "Ada",
		Text:     "what's in this picture?",
		Media:    []models.MediaRef{image("cat.png")},
	})
	require.NoError(t, err)

	chunks := collect(t, out)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hello", chunks[0].Text)
	assert.Equal(t, " there", chunks[1].Text)

	req := gen.lastRequest()
	assert.Equal(t, "test-model", req.Model)
	assert.True(t, strings.HasPrefix(req.SystemInstruction, "The user's name is Ada."))
	assert.Equal(t, "USER: message\nASSISTANT: message\nUSER: what's in this picture?\nASSISTANT:", req.Prompt)
	require.Len(t, req.Media, 1)
	assert.Equal(t, "gs://raven-uploads/cat.png", req.Media[0].URI)

	rows := messages.all()
	require.Len(t, rows, 5)
	text, media, reply := rows[2], rows[3], rows[4]

	assert.Equal(t, models.RoleUser, text.Role)
	assert.Equal(t, "what's in this picture?", text.Content.String)
	assert.Equal(t, models.RoleUser, media.Role)
	assert.Equal(t, "gs://raven-uploads/cat.png", media.MediaURL.String)
	assert.Equal(t, 258, media.TokenCount)
	assert.True(t, media.Timestamp.After(text.Timestamp))

	assert.Equal(t, models.RoleAssistant, reply.Role)
	assert.Equal(t, "Hello there", reply.Content.String)
	assert.Equal(t, EstimateText("Hello there"), reply.TokenCount)
	assert.True(t, reply.Timestamp.After(media.Timestamp))
}

func TestChatService_StoresInferredMediaType(t *testing.T) {
	messages := &memoryMessages{}
	svc := newChatService(messages, &fakeGenerator{deltas: []string{"a clip"}})

	out, err := svc.StreamTurn(context.Background(), TurnRequest{
		ChatID: "chat-1",
		UserID: "user-1",
		Media:  []models.MediaRef{{Locator: "gs://raven-uploads/clip.mp4"}},
	})
	require.NoError(t, err)
	collect(t, out)

	rows := messages.all()
	require.Len(t, rows, 2)
	assert.Equal(t, "video/mp4", rows[0].MediaType.String)
}

func TestChatService_RetriesStreamOpen(t *testing.T) {
	messages := &memoryMessages{}
	gen := &fakeGenerator{openErrs: 2, deltas: []string{"ok"}}
	svc := newChatService(messages, gen)

	out, err := svc.StreamTurn(context.Background(), TurnRequest{ChatID: "chat-1", UserID: "user-1", Text: "hi"})
	require.NoError(t, err)
	assert.Len(t, collect(t, out), 1)
	assert.Len(t, gen.requests, 3)
}

func TestChatService_StreamOpenFailure(t *testing.T) {
	messages := &memoryMessages{}
	svc := newChatService(messages, &fakeGenerator{openErrs: 10})

	_, err := svc.StreamTurn(context.Background(), TurnRequest{ChatID: "chat-1", UserID: "user-1", Text: "hi"})
	require.ErrorIs(t, err, errBackend)

	// the user turn is already stored
	assert.Len(t, messages.all(), 1)
}

func TestChatService_RejectedStreamOpenIsNotRetried(t *testing.T) {
	rejected := &providers.APIError{Provider: "gemini", StatusCode: http.StatusUnauthorized, Err: errors.New("bad key")}
	gen := &fakeGenerator{openErrs: 10, openErr: rejected}
	svc := newChatService(&memoryMessages{}, gen)

	_, err := svc.StreamTurn(context.Background(), TurnRequest{ChatID: "chat-1", UserID: "user-1", Text: "hi"})
	require.ErrorIs(t, err, rejected)
	assert.Len(t, gen.requests, 1)
}

func TestChatService_RateLimitedStreamOpenIsRetried(t *testing.T) {
	limited := &providers.APIError{Provider: "gemini", StatusCode: http.StatusTooManyRequests, Err: errors.New("quota")}
	gen := &fakeGenerator{openErrs: 1, openErr: limited, deltas: []string{"ok"}}
	svc := newChatService(&memoryMessages{}, gen)

	out, err := svc.StreamTurn(context.Background(), TurnRequest{ChatID: "chat-1", UserID: "user-1", Text: "hi"})
	require.NoError(t, err)
	collect(t, out)
	assert.Len(t, gen.requests, 2)
}

func TestChatService_UserPersistFailureFailsTurn(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"never"}}
	svc := newChatService(&memoryMessages{appendErr: errBackend}, gen)

	_, err := svc.StreamTurn(context.Background(), TurnRequest{ChatID: "chat-1", UserID: "user-1", Text: "hi"})
	require.ErrorIs(t, err, errBackend)
	assert.Empty(t, gen.requests)
}

func TestChatService_InvalidTurn(t *testing.T) {
	svc := newChatService(&memoryMessages{}, &fakeGenerator{})

	_, err := svc.StreamTurn(context.Background(), TurnRequest{ChatID: "chat-1", UserID: "user-1"})
	assert.ErrorIs(t, err, ErrInvalidTurn)
}

func TestChatService_ProviderErrorPersistsPartialReply(t *testing.T) {
	messages := &memoryMessages{}
	svc := newChatService(messages, &fakeGenerator{deltas: []string{"partial"}, streamErr: "quota exceeded"})

	out, err := svc.StreamTurn(context.Background(), TurnRequest{ChatID: "chat-1", UserID: "user-1", Text: "hi"})
	require.NoError(t, err)

	chunks := collect(t, out)
	require.Len(t, chunks, 2)
	assert.Equal(t, "quota exceeded", chunks[1].Error)

	rows := messages.all()
	require.Len(t, rows, 2)
	assert.Equal(t, "partial", rows[1].Content.String)
}

func TestChatService_NothingProducedNothingPersisted(t *testing.T) {
	messages := &memoryMessages{}
	svc := newChatService(messages, &fakeGenerator{streamErr: "boom"})

	out, err := svc.StreamTurn(context.Background(), TurnRequest{ChatID: "chat-1", UserID: "user-1", Text: "hi"})
	require.NoError(t, err)
	collect(t, out)

	assert.Len(t, messages.all(), 1)
}

func TestChatService_CancellationPersistsAccumulatedText(t *testing.T) {
	messages := &memoryMessages{}
	svc := newChatService(messages, &fakeGenerator{deltas: []string{"first words"}, block: true})
	ctx, cancel := context.WithCancel(context.Background())

	out, err := svc.StreamTurn(ctx, TurnRequest{ChatID: "chat-1", UserID: "user-1", Text: "hi"})
	require.NoError(t, err)

	first := <-out
	assert.Equal(t, "first words", first.Text)
	cancel()

	collect(t, out)
	rows := messages.all()
	require.Len(t, rows, 2)
	assert.Equal(t, models.RoleAssistant, rows[1].Role)
	assert.Equal(t, "first words", rows[1].Content.String)
}
