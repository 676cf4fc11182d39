package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/providers"
)

func TestFormatForModel_TextAndMedia(t *testing.T) {
	cat := image("cat.png")
	turns := []models.Turn{
		userTurn("here is my cat", cat),
		assistantTurn("cute"),
		userTurn("what's in that image"),
	}
	allowed := AllowedMedia{}
	allowed.add(cat.Locator)

	prompt, media := FormatForModel(turns, allowed)

	assert.Equal(t, "USER: here is my cat\nASSISTANT: cute\nUSER: what's in that image\nASSISTANT:", prompt)
	assert.Equal(t, []providers.MediaPart{{URI: "gs://raven-uploads/cat.png", MimeType: "image/png"}}, media)
}

func TestFormatForModel_Idempotent(t *testing.T) {
	turns := []models.Turn{
		SummaryTurn(&models.ChatSummary{SummaryText: "they met"}),
		userTurn("hi", image("a.png"), models.MediaRef{Locator: "https://example.com/x.png?sig=1", MimeType: "image/png"}),
		assistantTurn("hello"),
	}
	allowed := AllowedMedia{}
	for _, ref := range turns[1].MediaRefs() {
		allowed.add(ref.Locator)
	}

	p1, m1 := FormatForModel(turns, allowed)
	p2, m2 := FormatForModel(turns, allowed)

	assert.Equal(t, p1, p2)
	assert.Equal(t, m1, m2)
}

func TestFormatForModel_ExcludedMediaIsAbsent(t *testing.T) {
	turns := []models.Turn{userTurn("look", image("cat.png"))}

	prompt, media := FormatForModel(turns, AllowedMedia{})

	assert.Equal(t, "USER: look\nASSISTANT:", prompt)
	assert.Empty(t, media)
}

func TestFormatForModel_Placeholders(t *testing.T) {
	tests := []struct {
		name string
		ref  models.MediaRef
		want string
	}{
		{
			name: "missing mime",
			ref:  models.MediaRef{Locator: "gs://raven-uploads/file.bin"},
			want: "USER: MEDIA(unknown): https://storage.googleapis.com/raven-uploads/file.bin",
		},
		{
			name: "not a storage object",
			ref:  models.MediaRef{Locator: "https://example.com/cat.png", MimeType: "image/png"},
			want: "USER: MEDIA(image/png): https://example.com/cat.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed := AllowedMedia{}
			allowed.add(tt.ref.Locator)

			prompt, media := FormatForModel([]models.Turn{userTurn("", tt.ref)}, allowed)

			assert.Equal(t, tt.want+"\nASSISTANT:", prompt)
			assert.Empty(t, media)
		})
	}
}

func TestFormatForModel_InfersMimeFromExtension(t *testing.T) {
	ref := models.MediaRef{Locator: "gs://raven-uploads/cat.png"}
	allowed := AllowedMedia{}
	allowed.add(ref.Locator)

	prompt, media := FormatForModel([]models.Turn{userTurn("look", ref)}, allowed)

	assert.Equal(t, "USER: look\nASSISTANT:", prompt)
	assert.Equal(t, []providers.MediaPart{{URI: "gs://raven-uploads/cat.png", MimeType: "image/png"}}, media)
}

func TestFormatForModel_DeduplicatesMedia(t *testing.T) {
	cat := image("cat.png")
	turns := []models.Turn{
		userTurn("", cat),
		userTurn("", models.MediaRef{Locator: "https://storage.googleapis.com/raven-uploads/cat.png", MimeType: "image/png"}),
	}
	allowed := AllowedMedia{}
	allowed.add(cat.Locator)

	_, media := FormatForModel(turns, allowed)
	assert.Len(t, media, 1)
}

func TestContextAssembler_Assemble(t *testing.T) {
	messages := &memoryMessages{}
	rows := seedChat(messages, "chat-1", 10, 10, 10)
	require.NoError(t, messages.AppendMessages(context.Background(), []models.Message{
		mediaRow("chat-1", models.RoleAssistant, "gs://raven-uploads/chart.png", "image/png", rows[2].Timestamp.Add(time.Second)),
	}))

	summaries := &memorySummaries{}
	assembler := NewContextAssembler(
		newWindower(messages, summaries),
		nil,
		NewMediaSelector(DefaultMediaSelectorConfig()),
		quietLogger(),
	)

	prompt := assembler.Assemble(context.Background(), AssembleRequest{
		ChatID:        "chat-1",
		UserID:        "user-1",
		Current:       userTurn("explain the chart above"),
		CurrentTokens: 5,
		Budget:        models.TokenBudget{MaxContextTokens: 1000, TargetWindowTokens: 1000},
	})

	assert.Equal(t, 4, prompt.HistoryMessages)
	assert.Equal(t, 288, prompt.HistoryTokens)
	assert.Equal(t, "USER: message\nASSISTANT: message\nUSER: message\nUSER: explain the chart above\nASSISTANT:", prompt.Text)
	assert.Equal(t, []providers.MediaPart{{URI: "gs://raven-uploads/chart.png", MimeType: "image/png"}}, prompt.Media)
}

func TestContextAssembler_HistoryFailureFallsBackToCurrentTurn(t *testing.T) {
	messages := &memoryMessages{listErr: errBackend}
	assembler := NewContextAssembler(
		newWindower(messages, &memorySummaries{}),
		nil,
		NewMediaSelector(DefaultMediaSelectorConfig()),
		quietLogger(),
	)

	prompt := assembler.Assemble(context.Background(), AssembleRequest{
		ChatID:  "chat-1",
		Current: userTurn("hello"),
		Budget:  models.TokenBudget{MaxContextTokens: 100, TargetWindowTokens: 100},
	})

	assert.Equal(t, "USER: hello\nASSISTANT:", prompt.Text)
	assert.Zero(t, prompt.HistoryMessages)
}

func TestContextAssembler_LeadsWithSummary(t *testing.T) {
	messages := &memoryMessages{}
	rows := seedChat(messages, "chat-1", 24, 24, 24, 24, 24)
	summaries := &memorySummaries{}
	tokens := NewTokenAccountant(nil, nil, nil, TokenAccountantConfig{}, quietLogger())
	manager := NewSummaryManager(messages, summaries, &fakeGenerator{summary: "they discussed cats"}, tokens, nil, testSummaryConfig(), quietLogger())

	assembler := NewContextAssembler(
		newWindower(messages, summaries),
		manager,
		NewMediaSelector(DefaultMediaSelectorConfig()),
		quietLogger(),
	)

	prompt := assembler.Assemble(context.Background(), AssembleRequest{
		ChatID:  "chat-1",
		UserID:  "user-1",
		Current: userTurn("go on"),
		Before:  rows[4].Timestamp.Add(time.Second),
		Budget:  models.TokenBudget{MaxContextTokens: 1000, TargetWindowTokens: 1000},
	})

	require.NotNil(t, prompt.Summary)
	assert.Equal(t, 1, prompt.Summary.Version)
	assert.Equal(t, 2, prompt.HistoryMessages)
	assert.Equal(t, "SYSTEM: Summary of earlier conversation: they discussed cats\nASSISTANT: message\nUSER: message\nUSER: go on\nASSISTANT:", prompt.Text)
}
